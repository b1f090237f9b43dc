package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage keys. The layout is one record per session plus a single
// index record; the same namespace also carries the notification
// outbox queues (see the bridge package).
const (
	indexKey         = "ollama.sessionIndex"
	sessionKeyPrefix = "ollama.session."

	// indexLockKey is the reserved KeyedLock key guarding the index.
	indexLockKey = "__index__"
)

// Sentinel errors for expected conditions.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNameEmpty       = errors.New("session name cannot be empty")
	ErrInvalidRole     = errors.New("invalid message role")
)

// Store owns persisted Session and Index records. Sessions without any
// non-blank message content live only in the in-memory unsaved table
// and never touch the KV namespace; the first real message promotes
// them to durable storage.
type Store struct {
	kv    KV
	locks *KeyedLock

	unsavedMu sync.Mutex
	unsaved   map[string]*Session
}

// NewStore creates a Store over the given KV namespace.
func NewStore(kv KV) *Store {
	return &Store{
		kv:      kv,
		locks:   NewKeyedLock(),
		unsaved: make(map[string]*Session),
	}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Create allocates a new session, unshifts its ID onto the index and
// marks it active. The record itself stays in memory until a non-blank
// message is saved.
func (s *Store) Create(model, name string) (string, error) {
	now := time.Now()
	if name == "" {
		name = DefaultName(model, now)
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Model:     model,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
		Messages:  []Message{},
	}

	if err := s.Save(sess); err != nil {
		return "", err
	}

	err := s.locks.Do(indexLockKey, func() error {
		idx, err := s.loadIndexLocked()
		if err != nil {
			return err
		}
		idx.Sessions = append([]string{sess.ID}, idx.Sessions...)
		idx.LastActiveSessionID = sess.ID
		return s.saveIndexLocked(idx)
	})
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// Load returns the durable copy of a session if present, else an
// in-memory unsaved copy, else ErrSessionNotFound.
func (s *Store) Load(id string) (*Session, error) {
	var sess *Session
	err := s.locks.Do(id, func() error {
		var err error
		sess, err = s.loadLocked(id)
		return err
	})
	return sess, err
}

// loadLocked reads a session without taking its lock.
func (s *Store) loadLocked(id string) (*Session, error) {
	raw, ok, err := s.kv.Get(sessionKey(id))
	if err != nil {
		return nil, err
	}
	if ok {
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("corrupt session record %s: %w", id, err)
		}
		return &sess, nil
	}

	s.unsavedMu.Lock()
	defer s.unsavedMu.Unlock()
	if sess, ok := s.unsaved[id]; ok {
		copied := *sess
		return &copied, nil
	}
	return nil, ErrSessionNotFound
}

// Save upserts a session. Blank sessions go to the unsaved table only;
// sessions with content are committed durably and any unsaved copy is
// evicted.
func (s *Store) Save(sess *Session) error {
	return s.locks.Do(sess.ID, func() error {
		return s.saveLocked(sess)
	})
}

func (s *Store) saveLocked(sess *Session) error {
	sess.UpdatedAt = nowMillis()

	if !sess.HasContent() {
		s.unsavedMu.Lock()
		copied := *sess
		s.unsaved[sess.ID] = &copied
		s.unsavedMu.Unlock()
		return nil
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.kv.Set(sessionKey(sess.ID), string(data)); err != nil {
		return err
	}

	s.unsavedMu.Lock()
	delete(s.unsaved, sess.ID)
	s.unsavedMu.Unlock()
	return nil
}

// Delete removes a session and its index entry. If the deleted session
// was active, the next most-recent session becomes active (or none).
func (s *Store) Delete(id string) error {
	return s.locks.Do(id, func() error {
		s.unsavedMu.Lock()
		delete(s.unsaved, id)
		s.unsavedMu.Unlock()

		if err := s.kv.Delete(sessionKey(id)); err != nil {
			return err
		}

		return s.locks.Do(indexLockKey, func() error {
			idx, err := s.loadIndexLocked()
			if err != nil {
				return err
			}
			filtered := idx.Sessions[:0]
			for _, sid := range idx.Sessions {
				if sid != id {
					filtered = append(filtered, sid)
				}
			}
			idx.Sessions = filtered
			if idx.LastActiveSessionID == id {
				idx.LastActiveSessionID = ""
				if len(idx.Sessions) > 0 {
					idx.LastActiveSessionID = idx.Sessions[0]
				}
			}
			return s.saveIndexLocked(idx)
		})
	})
}

// Rename updates a session's name.
func (s *Store) Rename(id, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrNameEmpty
	}
	return s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		sess.Name = name
		return s.saveLocked(sess)
	})
}

// SetModel updates a session's bound model.
func (s *Store) SetModel(id, model string) error {
	return s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		sess.Model = model
		return s.saveLocked(sess)
	})
}

// AppendMessage appends a message to a session and returns the
// timestamp assigned to it. Timestamps are unique within the session
// even when appends land inside the same millisecond.
func (s *Store) AppendMessage(id, role, content string) (int64, error) {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return 0, ErrInvalidRole
	}

	var ts int64
	err := s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		ts = nowMillis()
		if n := len(sess.Messages); n > 0 && sess.Messages[n-1].Ts >= ts {
			ts = sess.Messages[n-1].Ts + 1
		}
		sess.Messages = append(sess.Messages, Message{Role: role, Content: content, Ts: ts})
		return s.saveLocked(sess)
	})
	return ts, err
}

// UpdateMessageByTs replaces the content of the assistant message with
// the given timestamp. Used to fill the streaming placeholder in place.
func (s *Store) UpdateMessageByTs(id string, ts int64, content string) error {
	return s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		for i := range sess.Messages {
			if sess.Messages[i].Ts == ts && sess.Messages[i].Role == RoleAssistant {
				sess.Messages[i].Content = content
				return s.saveLocked(sess)
			}
		}
		return ErrMessageNotFound
	})
}

// UpdateLastAssistant replaces the content of the most recent assistant
// message, appending one if none exists. Fallback path for a lost
// placeholder timestamp.
func (s *Store) UpdateLastAssistant(id, content string) error {
	return s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		for i := len(sess.Messages) - 1; i >= 0; i-- {
			if sess.Messages[i].Role == RoleAssistant {
				sess.Messages[i].Content = content
				return s.saveLocked(sess)
			}
		}
		ts := nowMillis()
		if n := len(sess.Messages); n > 0 && sess.Messages[n-1].Ts >= ts {
			ts = sess.Messages[n-1].Ts + 1
		}
		sess.Messages = append(sess.Messages, Message{Role: RoleAssistant, Content: content, Ts: ts})
		return s.saveLocked(sess)
	})
}

// RemoveMessageByTs deletes the message with the given timestamp.
// Used to discard an assistant placeholder after cancellation.
func (s *Store) RemoveMessageByTs(id string, ts int64) error {
	return s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		for i := range sess.Messages {
			if sess.Messages[i].Ts == ts {
				sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
				return s.saveLocked(sess)
			}
		}
		return ErrMessageNotFound
	})
}

// AddTokenUsage accumulates consumed tokens on a session.
func (s *Store) AddTokenUsage(id string, n int) error {
	if n <= 0 {
		return nil
	}
	return s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		sess.TokenUsage += n
		return s.saveLocked(sess)
	})
}

// AppendSummary records a summarization of older history on a session.
func (s *Store) AppendSummary(id string, rec SummaryRecord) error {
	return s.locks.Do(id, func() error {
		sess, err := s.loadLocked(id)
		if err != nil {
			return err
		}
		sess.Summaries = append(sess.Summaries, rec)
		return s.saveLocked(sess)
	})
}

// Index returns the session index, creating an empty one lazily.
func (s *Store) Index() (Index, error) {
	var idx Index
	err := s.locks.Do(indexLockKey, func() error {
		var err error
		idx, err = s.loadIndexLocked()
		return err
	})
	return idx, err
}

func (s *Store) loadIndexLocked() (Index, error) {
	raw, ok, err := s.kv.Get(indexKey)
	if err != nil {
		return Index{}, err
	}
	if !ok {
		idx := Index{Sessions: []string{}}
		if err := s.saveIndexLocked(idx); err != nil {
			return Index{}, err
		}
		return idx, nil
	}
	var idx Index
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		return Index{}, fmt.Errorf("corrupt session index: %w", err)
	}
	return idx, nil
}

func (s *Store) saveIndexLocked(idx Index) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return s.kv.Set(indexKey, string(data))
}

// SetActive marks a session as the last active one.
func (s *Store) SetActive(id string) error {
	return s.locks.Do(indexLockKey, func() error {
		idx, err := s.loadIndexLocked()
		if err != nil {
			return err
		}
		idx.LastActiveSessionID = id
		return s.saveIndexLocked(idx)
	})
}

// Active returns the last active session ID, or empty when none.
func (s *Store) Active() (string, error) {
	idx, err := s.Index()
	if err != nil {
		return "", err
	}
	return idx.LastActiveSessionID, nil
}

// EnsureActive returns the active session ID, creating a fresh session
// bound to model when none is active.
func (s *Store) EnsureActive(model string) (string, error) {
	id, err := s.Active()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return s.Create(model, "")
}

// List returns lightweight summaries of all indexed sessions,
// most-recent-first. Sessions whose records went missing are skipped.
func (s *Store) List() ([]Summary, error) {
	idx, err := s.Index()
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(idx.Sessions))
	for _, id := range idx.Sessions {
		sess, err := s.Load(id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, Summary{
			ID:        sess.ID,
			Name:      sess.Name,
			Model:     sess.Model,
			UpdatedAt: sess.UpdatedAt,
			Unsaved:   !sess.HasContent(),
		})
	}
	return summaries, nil
}

// WithLock runs fn with exclusive access to the given session key.
// Exposed for callers composing multi-step read-modify-write sequences.
func (s *Store) WithLock(id string, fn func() error) error {
	return s.locks.Do(id, fn)
}

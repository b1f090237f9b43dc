package session

import (
	"path/filepath"
	"testing"
)

func TestSQLiteKV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	kv, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatalf("NewSQLiteKV: %v", err)
	}
	defer kv.Close()

	if _, ok, err := kv.Get("missing"); err != nil || ok {
		t.Fatalf("Get missing = ok=%v err=%v, want absent", ok, err)
	}

	if err := kv.Set("k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := kv.Get("k"); err != nil || !ok || v != "v1" {
		t.Fatalf("Get = %q ok=%v err=%v, want v1", v, ok, err)
	}

	// Upsert replaces the value.
	if err := kv.Set("k", "v2"); err != nil {
		t.Fatalf("Set upsert: %v", err)
	}
	if v, _, _ := kv.Get("k"); v != "v2" {
		t.Fatalf("Get after upsert = %q, want v2", v)
	}

	if err := kv.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := kv.Get("k"); ok {
		t.Fatal("key still present after delete")
	}
	// Deleting an absent key is not an error.
	if err := kv.Delete("k"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestSQLiteKVPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	kv, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Close(); err != nil {
		t.Fatal(err)
	}

	kv, err = NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	if v, ok, err := kv.Get("k"); err != nil || !ok || v != "v" {
		t.Fatalf("Get after reopen = %q ok=%v err=%v", v, ok, err)
	}
}

package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "news/batch.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://news/batch.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Object("news/batch.json")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if paths := store.Paths(); len(paths) != 1 || paths[0] != "news/batch.json" {
		t.Fatalf("unexpected paths %v", paths)
	}
	if _, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}

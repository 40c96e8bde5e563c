package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	exists, err := store.Exists(ctx, "outputs/catalog0.json")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("object should not exist yet")
	}

	if err := store.Write(ctx, "outputs/catalog0.json", []byte(`{"id":"cat"}`), "application/json"); err != nil {
		t.Fatalf("write: %v", err)
	}
	exists, err = store.Exists(ctx, "outputs/catalog0.json")
	if err != nil || !exists {
		t.Fatalf("expected object after write, exists=%v err=%v", exists, err)
	}

	var decoded map[string]string
	if err := store.ReadJSON(ctx, "outputs/catalog0.json", &decoded); err != nil {
		t.Fatalf("read: %v", err)
	}
	if decoded["id"] != "cat" {
		t.Fatalf("unexpected content: %v", decoded)
	}
}

func TestLocalStoreReadMissingIsNotExist(t *testing.T) {
	store := NewLocal(t.TempDir())
	var out any
	err := store.ReadJSON(context.Background(), "nope.json", &out)
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLocalStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	for _, name := range []string{"outputs/catalog0.json", "outputs/catalog1.json", "outputs/nested/skip.json"} {
		if err := store.Write(ctx, name, []byte(`{}`), "application/json"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	names, err := store.List(ctx, "outputs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 direct children, got %v", names)
	}

	empty, err := store.List(ctx, "missing-prefix")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list for missing prefix, got %v err=%v", empty, err)
	}
}

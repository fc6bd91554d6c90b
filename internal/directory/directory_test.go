package directory

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryDirectoryLookup(t *testing.T) {
	d := NewMemoryDirectory(User{ID: "u1", DisplayName: "Ada", Email: "ada@example.com"})

	u, err := d.Lookup(context.Background(), "u1")
	if err != nil || u.DisplayName != "Ada" {
		t.Fatalf("unexpected lookup: %+v err=%v", u, err)
	}
	if _, err := d.Lookup(context.Background(), "nope"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDisplayNameFallsBackToID(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(User{ID: "u1", DisplayName: "Ada"}, User{ID: "u2"})

	if name, err := DisplayName(ctx, d, "u1"); err != nil || name != "Ada" {
		t.Fatalf("expected Ada, got %q err=%v", name, err)
	}
	if name, _ := DisplayName(ctx, d, "u2"); name != "u2" {
		t.Fatalf("blank display name falls back to id, got %q", name)
	}
	if name, err := DisplayName(ctx, d, "u3"); err == nil || name != "u3" {
		t.Fatalf("missing user falls back to id with error, got %q err=%v", name, err)
	}
	if name, err := DisplayName(ctx, nil, "u4"); err != nil || name != "u4" {
		t.Fatalf("nil directory falls back to id, got %q err=%v", name, err)
	}
}

func TestMemoryDirectoryPutReplaces(t *testing.T) {
	d := NewMemoryDirectory()
	d.Put(User{ID: "u1", DisplayName: "Ada"})
	d.Put(User{ID: "u1", DisplayName: "Ada Lovelace"})

	u, err := d.Lookup(context.Background(), "u1")
	if err != nil || u.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected lookup after put: %+v err=%v", u, err)
	}
}

package source

import (
	"context"
	"errors"
	"testing"

	"github.com/knowpool/dashd/dbopen"
	_ "modernc.org/sqlite"
)

func TestFolderStoreDeclareListRemove(t *testing.T) {
	ctx := context.Background()
	store := NewFolderStore(dbopen.OpenMemory(t, dbopen.WithSchema(FolderSchema)))

	for _, p := range []string{"Projects/Alpha", "Archive", "Projects/Alpha"} {
		if err := store.Declare(ctx, p); err != nil {
			t.Fatalf("declare %q: %v", p, err)
		}
	}

	paths, err := store.ListFolders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "Archive" || paths[1] != "Projects/Alpha" {
		t.Fatalf("unexpected folders: %v", paths)
	}

	if err := store.Remove(ctx, "Archive"); err != nil {
		t.Fatal(err)
	}
	paths, err = store.ListFolders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "Projects/Alpha" {
		t.Fatalf("unexpected folders after remove: %v", paths)
	}
}

func TestFolderStoreRejectsBadPaths(t *testing.T) {
	ctx := context.Background()
	store := NewFolderStore(dbopen.OpenMemory(t, dbopen.WithSchema(FolderSchema)))

	for _, p := range []string{"", "/a", "a/", "a//b"} {
		err := store.Declare(ctx, p)
		if !errors.Is(err, ErrBadFolderPath) {
			t.Errorf("declare %q: expected ErrBadFolderPath, got %v", p, err)
		}
	}
}

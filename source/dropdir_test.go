package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDropDirNotifiesOnFile(t *testing.T) {
	dir := t.TempDir()
	d := NewDropDir(dir, nil)

	changed := make(chan struct{}, 16)
	unsub, err := d.SubscribeChanges(func() { changed <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := os.WriteFile(filepath.Join(dir, "incoming.pdf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("drop never noticed")
	}
}

func TestDropDirMissingDir(t *testing.T) {
	d := NewDropDir(filepath.Join(t.TempDir(), "nope"), nil)
	if _, err := d.SubscribeChanges(func() {}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

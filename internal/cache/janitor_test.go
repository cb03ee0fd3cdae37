package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_Clean(t *testing.T) {
	s := openTestStore(t, Options{MemoryEntries: 16})
	if err := s.Admit("live", "text/plain", []byte("keep me")); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	live := bodyPath(t, s, "live")

	orphan := filepath.Join(s.bodies, entryName("gone")+"-4a3c2f3e-0000-4000-8000-000000000000")
	staleTmp := filepath.Join(s.bodies, tmpPrefix+"123")
	freshTmp := filepath.Join(s.bodies, tmpPrefix+"456")
	pointerTmp := filepath.Join(s.dir, pointersDir, tmpPrefix+"789")
	for _, p := range []string{orphan, staleTmp, freshTmp, pointerTmp} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range []string{live, orphan, staleTmp, pointerTmp} {
		backdate(t, p, 2*time.Hour)
	}

	removed, err := s.Clean(time.Hour)
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("Clean() removed %d files, want 3", removed)
	}

	for _, p := range []string{orphan, staleTmp, pointerTmp} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s should have been removed", filepath.Base(p))
		}
	}
	for _, p := range []string{live, freshTmp} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should have been kept: %v", filepath.Base(p), err)
		}
	}
	if !s.Exists("live") {
		t.Error("referenced entry was cleaned")
	}
}

func TestJanitor_StartStop(t *testing.T) {
	s := openTestStore(t, Options{})

	j := NewJanitor(s, "@every 1h", time.Hour, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := j.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if next := j.NextRun(); next == nil || !next.After(time.Now()) {
		t.Errorf("NextRun() = %v, want a future time", next)
	}
	j.Stop()
	j.Stop()
}

func TestJanitor_Disabled(t *testing.T) {
	s := openTestStore(t, Options{})
	j := NewJanitor(s, "", time.Hour, discardLogger())
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if j.NextRun() != nil {
		t.Error("NextRun() should be nil when no schedule is configured")
	}
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	s := openTestStore(t, Options{})
	j := NewJanitor(s, "not a schedule", time.Hour, discardLogger())
	if err := j.Start(context.Background()); err == nil {
		t.Fatal("Start() expected error for invalid schedule")
	}
}

func TestJanitor_RunOnce(t *testing.T) {
	s := openTestStore(t, Options{})
	tmp := filepath.Join(s.bodies, tmpPrefix+"1")
	if err := os.WriteFile(tmp, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	backdate(t, tmp, time.Minute)

	NewJanitor(s, "", time.Second, discardLogger()).RunOnce()

	if _, err := os.Stat(tmp); !errors.Is(err, os.ErrNotExist) {
		t.Error("RunOnce() did not remove the stale temp file")
	}
}

package topapp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type staticSource struct {
	pids []int
	err  error
}

func (s *staticSource) PIDs(context.Context) ([]int, error) {
	return s.pids, s.err
}

func TestCgroupSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cgroup.procs")
	if err := os.WriteFile(path, []byte("100\n\n2048\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pids, err := CgroupSource{Path: path}.PIDs(context.Background())
	if err != nil {
		t.Fatalf("PIDs: %v", err)
	}
	if len(pids) != 2 || pids[0] != 100 || pids[1] != 2048 {
		t.Fatalf("unexpected pids %v", pids)
	}

	if err := os.WriteFile(path, []byte("abc\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (CgroupSource{Path: path}).PIDs(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWatcherRefreshPrunesDeadPids(t *testing.T) {
	t.Parallel()

	source := &staticSource{pids: []int{10, 20, 30}}
	w, err := NewWatcher(source, time.Second, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.alive = func(_ context.Context, pid int) bool { return pid != 20 }

	if w.Ready() {
		t.Fatalf("watcher should not be ready before refresh")
	}
	w.Refresh(context.Background())

	if !w.Ready() {
		t.Fatalf("watcher should be ready after refresh")
	}
	if !w.IsTopapp(10) || w.IsTopapp(20) || !w.IsTopapp(30) {
		t.Fatalf("unexpected set %v", w.TopappPIDs().UnsortedList())
	}

	snapshot := w.TopappPIDs()
	snapshot.Insert(99)
	if w.IsTopapp(99) {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestWatcherKeepsSnapshotOnError(t *testing.T) {
	t.Parallel()

	source := &staticSource{pids: []int{10}}
	w, err := NewWatcher(source, time.Second, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.alive = func(context.Context, int) bool { return true }

	w.Refresh(context.Background())
	source.err = errors.New("cgroup gone")
	w.Refresh(context.Background())

	if !w.IsTopapp(10) {
		t.Fatalf("previous snapshot should survive a failed refresh")
	}
}

func TestWatcherRealLiveness(t *testing.T) {
	t.Parallel()

	self := os.Getpid()
	w, err := NewWatcher(&staticSource{pids: []int{self}}, time.Second, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Refresh(context.Background())
	if !w.IsTopapp(self) {
		t.Fatalf("own pid should be alive")
	}

	name, err := ProcessName(context.Background(), self)
	if err != nil {
		t.Fatalf("ProcessName: %v", err)
	}
	if name == "" {
		t.Fatalf("expected a process name")
	}
}

func TestPackageFromCmdline(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"com.example.game":           "com.example.game",
		"com.example.game:render":    "com.example.game",
		"/system/bin/surfaceflinger": "surfaceflinger",
		"":                           "",
	}
	for in, want := range cases {
		if got := packageFromCmdline(in); got != want {
			t.Fatalf("packageFromCmdline(%q) = %q, want %q", in, got, want)
		}
	}
}

package registry

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	b, err := OpenFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(b, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

// failingBackend wraps a Backend and fails selected operations.
type failingBackend struct {
	Backend
	failDeleteIP Name
	failAppend   Name
}

var errInjected = errors.New("injected failure")

func (f *failingBackend) DeleteIP(name Name, ip string) error {
	if name == f.failDeleteIP {
		return errInjected
	}
	return f.Backend.DeleteIP(name, ip)
}

func (f *failingBackend) Append(name Name, rec Record) error {
	if name == f.failAppend {
		return errInjected
	}
	return f.Backend.Append(name, rec)
}

func TestStore_HomeAndAlreadyHomed(t *testing.T) {
	s := newTestStore(t)

	if err := s.Append(Reallow, Record{IP: "10.1.1.1"}); err != nil {
		t.Fatalf("Append(reallow) error = %v", err)
	}
	home, err := s.Home("10.1.1.1")
	if err != nil || home != Reallow {
		t.Fatalf("Home() = %q, %v; want reallow", home, err)
	}

	if err := s.Append(Wait, Record{IP: "10.1.1.1"}); !errors.Is(err, ErrAlreadyHomed) {
		t.Errorf("Append(wait) for reallow address error = %v, want ErrAlreadyHomed", err)
	}
	if err := s.Append(Ban, Record{IP: "10.1.1.1"}); !errors.Is(err, ErrAlreadyHomed) {
		t.Errorf("Append(ban) for reallow address error = %v, want ErrAlreadyHomed", err)
	}

	// to-send is independent of the lifecycle registries.
	if err := s.Append(ToSend, Record{IP: "10.1.1.1"}); err != nil {
		t.Errorf("Append(to-send) error = %v", err)
	}

	home, _ = s.Home("10.9.9.9")
	if home != "" {
		t.Errorf("Home(unknown) = %q, want empty", home)
	}
}

func TestStore_Move(t *testing.T) {
	s := newTestStore(t)
	_ = s.Append(Reallow, Record{IP: "10.2.2.2", Timestamps: ts(3)})
	_ = s.Append(Reallow, Record{IP: "10.2.2.3"})

	if err := s.Move("10.2.2.2", Reallow, Wait); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if home, _ := s.Home("10.2.2.2"); home != Wait {
		t.Errorf("Home() after move = %q, want wait", home)
	}
	recs, _ := s.Content(Wait)
	if len(recs) != 1 || len(recs[0].Timestamps) != 1 {
		t.Errorf("moved record lost timestamps: %+v", recs)
	}
	recs, _ = s.Content(Reallow)
	if len(recs) != 1 || recs[0].IP != "10.2.2.3" {
		t.Errorf("reallow after move = %+v", recs)
	}

	if err := s.Move("10.2.2.2", Reallow, Wait); !errors.Is(err, ErrNotFound) {
		t.Errorf("Move(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.Move("10.2.2.3", Reallow, ToSend); err == nil {
		t.Error("Move() into to-send should fail")
	}
}

func TestStore_MoveRollsBackOnDeleteFailure(t *testing.T) {
	b, _ := OpenFileBackend(t.TempDir())
	fb := &failingBackend{Backend: b, failDeleteIP: Reallow}
	s := NewStore(fb, nil)

	_ = s.Append(Reallow, Record{IP: "10.3.3.3"})
	if err := s.Move("10.3.3.3", Reallow, Wait); !errors.Is(err, errInjected) {
		t.Fatalf("Move() error = %v, want injected failure", err)
	}
	if ok, _ := s.Contains(Wait, "10.3.3.3"); ok {
		t.Error("failed move must not leave the address in two registries")
	}
	if ok, _ := s.Contains(Reallow, "10.3.3.3"); !ok {
		t.Error("failed move must keep the address in its original registry")
	}
}

func TestStore_MoveAppendFailureKeepsSource(t *testing.T) {
	b, _ := OpenFileBackend(t.TempDir())
	fb := &failingBackend{Backend: b, failAppend: Wait}
	s := NewStore(fb, nil)

	_ = s.Append(Reallow, Record{IP: "10.4.4.4"})
	if err := s.Move("10.4.4.4", Reallow, Wait); !errors.Is(err, errInjected) {
		t.Fatalf("Move() error = %v, want injected failure", err)
	}
	if home, _ := s.Home("10.4.4.4"); home != Reallow {
		t.Errorf("Home() = %q, want reallow", home)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := newTestStore(t)
	_ = s.Append(Ban, Record{IP: "a"})
	_ = s.Append(ToSend, Record{IP: "a"})

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 4 {
		t.Errorf("Snapshot() has %d registries, want 4", len(snap))
	}
	if len(snap[Ban]) != 1 || len(snap[ToSend]) != 1 || len(snap[Wait]) != 0 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestOpen_Kinds(t *testing.T) {
	dir := t.TempDir()
	s, err := Open("file", dir, "", nil)
	if err != nil {
		t.Fatalf("Open(file) error = %v", err)
	}
	s.Close()

	s, err = Open("sqlite", "", dir+"/r.db", nil)
	if err != nil {
		t.Fatalf("Open(sqlite) error = %v", err)
	}
	s.Close()

	if _, err := Open("redis", dir, "", nil); err == nil {
		t.Error("Open(redis) should fail")
	}
}

package bridge

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{
		Voice:  &fakeVoiceOpener{voice: newFakeVoice()},
		Logger: discardLogger(),
	})
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry()

	s, err := r.Create("call-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.State() != Idle {
		t.Errorf("State() = %s, want idle", s.State())
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	got, err := r.Get("call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != s {
		t.Error("Get() returned a different session")
	}

	if _, err := r.Get("call-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_DuplicateCreate(t *testing.T) {
	r := newTestRegistry()

	if _, err := r.Create("call-2"); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	_, err := r.Create("call-2")
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("second Create() error = %v, want ErrDuplicateSession", err)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
}

func TestRegistry_CreateAfterRemove(t *testing.T) {
	r := newTestRegistry()

	first, _ := r.Create("call-3")
	r.Remove("call-3")
	r.Remove("call-3")

	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}

	second, err := r.Create("call-3")
	if err != nil {
		t.Fatalf("Create() after Remove() error = %v", err)
	}

	// A late removal by the old session must not evict the new one.
	r.remove("call-3", first)
	if got, err := r.Get("call-3"); err != nil || got != second {
		t.Errorf("Get() = %v, %v; want the new session", got, err)
	}
}

func TestRegistry_TeardownIdleSession(t *testing.T) {
	r := newTestRegistry()

	s, _ := r.Create("call-4")
	if err := r.Teardown("call-4"); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() should be closed after tearing down an idle session")
	}
	if _, err := r.Get("call-4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Teardown() error = %v, want ErrNotFound", err)
	}
	if err := r.Teardown("call-4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Teardown() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Draining(t *testing.T) {
	r := newTestRegistry()

	if r.IsDraining() {
		t.Error("IsDraining() should be false initially")
	}

	s, err := r.Create("before-drain")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.StartDraining()

	if !r.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}
	if _, err := r.Create("after-drain"); !errors.Is(err, ErrDraining) {
		t.Errorf("Create() while draining error = %v, want ErrDraining", err)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	s.Close()
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}

func TestRegistry_WaitBlocksUntilRemoved(t *testing.T) {
	r := newTestRegistry()

	a, _ := r.Create("a")
	b, _ := r.Create("b")

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Error("Wait() should block while sessions are registered")
	default:
	}

	a.Close()

	select {
	case <-done:
		t.Error("Wait() should block while sessions are registered")
	default:
	}

	b.Close()
	<-done
}

func TestRegistry_ConcurrentCreateAndDrain(t *testing.T) {
	r := newTestRegistry()
	const n = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, rejected int

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			s, err := r.Create(fmt.Sprintf("call-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			accepted++
			s.Close()
		}(i)

		if i == n/2 {
			r.StartDraining()
		}
	}
	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if rejected == 0 {
		t.Error("expected some sessions to be rejected after draining started")
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
	r.Wait()
}

package cancel

import (
	"sync"
	"testing"
	"time"
)

func TestFlagWriteOnce(t *testing.T) {
	f := NewFlag()
	if f.IsSet() {
		t.Fatal("new flag should be unset")
	}
	f.Set("first")
	f.Set("second")
	if !f.IsSet() {
		t.Fatal("flag should be set")
	}
	if got := f.Reason(); got != "first" {
		t.Errorf("Reason() = %q, want %q", got, "first")
	}
}

func TestFlagConcurrentSet(t *testing.T) {
	f := NewFlag()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Set("race")
		}()
	}
	wg.Wait()
	if !f.IsSet() || f.Reason() != "race" {
		t.Errorf("flag not set after concurrent writes: set=%v reason=%q", f.IsSet(), f.Reason())
	}
}

func TestFlagSetAfter(t *testing.T) {
	f := NewFlag()
	stop := f.SetAfter(5*time.Millisecond, "deadline")
	defer stop()

	deadline := time.After(2 * time.Second)
	for !f.IsSet() {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(time.Millisecond):
		}
	}
	if f.Reason() != "deadline" {
		t.Errorf("Reason() = %q", f.Reason())
	}
}

func TestFlagSetAfterStopped(t *testing.T) {
	f := NewFlag()
	stop := f.SetAfter(50*time.Millisecond, "deadline")
	stop()
	time.Sleep(80 * time.Millisecond)
	if f.IsSet() {
		t.Error("stopped timer should not set the flag")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	f := r.Register("run-1")
	if got := r.Register("run-1"); got != f {
		t.Error("Register should return the existing flag")
	}
	if r.Get("run-1") != f {
		t.Error("Get should return the registered flag")
	}
	if r.Get("run-2") != nil {
		t.Error("Get for unknown run should be nil")
	}

	if !r.Cancel("run-1", "client request") {
		t.Error("Cancel should find run-1")
	}
	if !f.IsSet() || f.Reason() != "client request" {
		t.Errorf("flag not cancelled: %v %q", f.IsSet(), f.Reason())
	}
	if r.Cancel("missing", "x") {
		t.Error("Cancel should report unknown runs")
	}

	r.Release("run-1")
	if r.Get("run-1") != nil {
		t.Error("released run should be gone")
	}
	// Holders keep polling the released flag.
	if !f.IsSet() {
		t.Error("released flag must stay readable")
	}
}

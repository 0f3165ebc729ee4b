package background

// pool_test.go implements tests for the worker pool.

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/0x6flab/tidesdb/internal/logging"
)

func TestSubmitRunsJobs(t *testing.T) {
	p := NewPool("test", 2, logging.Discard)
	defer p.Close()

	var ran atomic.Int32
	for loopIter := 0; loopIter < 20; loopIter++ {
		if err := p.Submit(func() error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	p.Wait()
	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d jobs, want 20", got)
	}
}

func TestRetryOnFailure(t *testing.T) {
	p := NewPool("test", 1, logging.Discard)
	defer p.Close()

	var attempts atomic.Int32
	if err := p.Submit(func() error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	p.Wait()
	if got := attempts.Load(); got != 3 {
		t.Errorf("job attempted %d times, want 3", got)
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	p := NewPool("test", 1, logging.Discard)
	defer p.Close()

	var attempts atomic.Int32
	if err := p.Submit(func() error {
		attempts.Add(1)
		return errors.New("permanent")
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	p.Wait()
	if got := attempts.Load(); got != maxAttempts {
		t.Errorf("job attempted %d times, want %d", got, maxAttempts)
	}
}

func TestCloseDrains(t *testing.T) {
	p := NewPool("test", 2, logging.Discard)

	var ran atomic.Int32
	for loopIter := 0; loopIter < 10; loopIter++ {
		if err := p.Submit(func() error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	p.Close()
	if got := ran.Load(); got != 10 {
		t.Errorf("ran %d jobs before Close returned, want 10", got)
	}

	if err := p.Submit(func() error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after Close: err = %v, want ErrPoolClosed", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := NewPool("test", 1, logging.Discard)
	p.Close()
	p.Close()
}

func TestWaitOnIdlePool(t *testing.T) {
	p := NewPool("test", 1, logging.Discard)
	defer p.Close()
	p.Wait() // must not block
}

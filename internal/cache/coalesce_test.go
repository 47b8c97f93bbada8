package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescer_ConcurrentCallsShareOneFetch(t *testing.T) {
	c := NewCoalescer()

	var calls int32
	release := make(chan struct{})

	fetch := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "result", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, _, _ := c.Do("same-key", fetch)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let all goroutines queue behind the in-flight call
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", got)
	}
	for i, v := range results {
		if v != "result" {
			t.Errorf("result[%d] = %v, want 'result'", i, v)
		}
	}
}

func TestCoalescer_DifferentKeysDoNotShare(t *testing.T) {
	c := NewCoalescer()
	var calls int32

	fetch := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	_, _, _ = c.Do("key-a", fetch)
	_, _, _ = c.Do("key-b", fetch)

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 separate calls for distinct keys, got %d", got)
	}
}

func TestCoalescer_SequentialCallsAfterCompletionEachFetch(t *testing.T) {
	c := NewCoalescer()
	var calls int32

	fetch := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	_, _, _ = c.Do("key", fetch)
	_, _, _ = c.Do("key", fetch)

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected each sequential call to fetch independently, got %d", got)
	}
}

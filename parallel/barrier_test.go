package parallel

import "sync"
import "sync/atomic"
import "testing"
import "time"

func TestBarrierReleasesAllParties(t *testing.T) {
	const parties = 4
	b := NewSyncBarrier(parties)
	var serial int32
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Wait() {
				atomic.AddInt32(&serial, 1)
			}
		}()
	}
	wg.Wait()
	if serial != 1 {
		t.Errorf("serial waiters = %d, want exactly 1", serial)
	}
	if b.Generation() != 1 {
		t.Errorf("generation = %d, want 1", b.Generation())
	}
}

func TestBarrierReusableAcrossGenerations(t *testing.T) {
	const parties = 3
	const rounds = 5
	b := NewSyncBarrier(parties)
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				b.Wait()
			}
		}()
	}
	wg.Wait()
	if b.Generation() != rounds {
		t.Errorf("generation = %d, want %d", b.Generation(), rounds)
	}
}

func TestBarrierWaitTimeout(t *testing.T) {
	b := NewSyncBarrier(2)
	serial, ok := b.WaitTimeout(20 * time.Millisecond)
	if ok {
		t.Fatalf("lone waiter released: serial=%v", serial)
	}
	// The timed-out waiter withdrew, so two fresh waiters still trip it.
	done := make(chan bool, 2)
	go func() { _, ok := b.WaitTimeout(time.Second); done <- ok }()
	go func() { _, ok := b.WaitTimeout(time.Second); done <- ok }()
	for i := 0; i < 2; i++ {
		if !<-done {
			t.Errorf("waiter %d timed out after quorum", i)
		}
	}
}

func TestBarrierReset(t *testing.T) {
	b := NewSyncBarrier(2)
	released := make(chan struct{})
	go func() {
		b.Wait()
		close(released)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Reset()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("reset did not release blocked waiter")
	}
}

func TestForEachRunsEveryIndexOnce(t *testing.T) {
	counts := make([]int32, 100)
	ForEach(len(counts), 8, func(i int) {
		atomic.AddInt32(&counts[i], 1)
	})
	for i, c := range counts {
		if c != 1 {
			t.Errorf("index %d ran %d times", i, c)
		}
	}
}

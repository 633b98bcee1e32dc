package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"authguard/internal/schema"
)

func testRecord(id string) *schema.AttemptRecord {
	return &schema.AttemptRecord{
		Attempt: schema.AuthAttempt{
			RequestID: id,
			Email:     "user@example.com",
			ClientIP:  "10.0.0.5",
			Timestamp: time.Now(),
		},
	}
}

func TestRingBuffer_PushPopFIFO(t *testing.T) {
	rb := NewRingBuffer(4)

	for i := 0; i < 3; i++ {
		if err := rb.Push(testRecord(fmt.Sprintf("req-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		rec, err := rb.Pop()
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("req-%d", i); rec.Attempt.RequestID != want {
			t.Errorf("pop %d = %s, want %s", i, rec.Attempt.RequestID, want)
		}
	}

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("pop on empty = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FullDropsAndCounts(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(testRecord("req-0"))
	rb.Push(testRecord("req-1"))

	if err := rb.Push(testRecord("req-2")); err != ErrQueueFull {
		t.Errorf("push on full = %v, want ErrQueueFull", err)
	}
	if m := rb.Metrics(); m.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", m.Dropped)
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 10; i++ {
		if err := rb.Push(testRecord(fmt.Sprintf("req-%d", i))); err != nil {
			t.Fatal(err)
		}
		rec, err := rb.Pop()
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("req-%d", i); rec.Attempt.RequestID != want {
			t.Errorf("got %s, want %s", rec.Attempt.RequestID, want)
		}
	}
}

func TestRingBuffer_DrainUpTo(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Push(testRecord(fmt.Sprintf("req-%d", i)))
	}

	batch := rb.DrainUpTo(3)
	if len(batch) != 3 {
		t.Fatalf("drained %d, want 3", len(batch))
	}
	if batch[0].Attempt.RequestID != "req-0" || batch[2].Attempt.RequestID != "req-2" {
		t.Errorf("drain order wrong: %s ... %s", batch[0].Attempt.RequestID, batch[2].Attempt.RequestID)
	}
	if rb.Len() != 2 {
		t.Errorf("len after drain = %d, want 2", rb.Len())
	}

	if rest := rb.DrainUpTo(100); len(rest) != 2 {
		t.Errorf("second drain = %d, want 2", len(rest))
	}
	if empty := rb.DrainUpTo(10); len(empty) != 0 {
		t.Errorf("drain on empty = %d records", len(empty))
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer(4)

	start := time.Now()
	if _, err := rb.PopWithTimeout(20 * time.Millisecond); err != ErrQueueEmpty {
		t.Errorf("timeout pop = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("returned after %v, expected to wait for the timeout", elapsed)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		rb.Push(testRecord("req-0"))
	}()

	rec, err := rb.PopWithTimeout(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Attempt.RequestID != "req-0" {
		t.Errorf("got %s", rec.Attempt.RequestID)
	}
}

func TestRingBuffer_CloseWakesWaiters(t *testing.T) {
	rb := NewRingBuffer(4)

	errCh := make(chan error, 1)
	go func() {
		_, err := rb.PopWithTimeout(5 * time.Second)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Close()

	select {
	case err := <-errCh:
		if err != ErrQueueClosed {
			t.Errorf("err = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	if err := rb.Push(testRecord("req-0")); err != ErrQueueClosed {
		t.Errorf("push after close = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_ConcurrentProducersConsumers(t *testing.T) {
	rb := NewRingBuffer(1000)
	const producers, perProducer = 4, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				rb.Push(testRecord(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	seen := 0
	for {
		if _, err := rb.Pop(); err != nil {
			break
		}
		seen++
	}
	if seen != producers*perProducer {
		t.Errorf("popped %d records, want %d", seen, producers*perProducer)
	}

	m := rb.Metrics()
	if m.Pushed != producers*perProducer || m.Popped != producers*perProducer {
		t.Errorf("metrics = %+v", m)
	}
}

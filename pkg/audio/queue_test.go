package audio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ghosttype/pkg/audio"
)

func TestFrameQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(4)
	for i := range 3 {
		q.Push(audio.Frame{Seq: uint64(i)})
	}
	for i := range 3 {
		f, ok := q.Pop(context.Background())
		if !ok {
			t.Fatal("unexpected closed queue")
		}
		if f.Seq != uint64(i) {
			t.Errorf("pop %d: seq = %d", i, f.Seq)
		}
	}
}

func TestFrameQueue_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(3)
	for i := range 5 {
		dropped := q.Push(audio.Frame{Seq: uint64(i)})
		if wantDrop := i >= 3; dropped != wantDrop {
			t.Errorf("push %d: dropped = %v, want %v", i, dropped, wantDrop)
		}
	}
	if q.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", q.Dropped())
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	for want := uint64(2); want < 5; want++ {
		f, _ := q.Pop(context.Background())
		if f.Seq != want {
			t.Errorf("seq = %d, want %d", f.Seq, want)
		}
	}
}

func TestFrameQueue_CloseDrainsThenStops(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(2)
	q.Push(audio.Frame{Seq: 1})
	q.Close()
	q.Close()
	q.Push(audio.Frame{Seq: 2})

	if f, ok := q.Pop(context.Background()); !ok || f.Seq != 1 {
		t.Fatalf("expected queued frame after close, got %+v ok=%v", f, ok)
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Error("expected Pop to report closed queue")
	}
}

func TestFrameQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(2)
	got := make(chan audio.Frame, 1)
	go func() {
		f, _ := q.Pop(context.Background())
		got <- f
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(audio.Frame{TraceID: "t1"})

	select {
	case f := <-got:
		if f.TraceID != "t1" {
			t.Errorf("trace id = %q", f.TraceID)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestFrameQueue_PopHonoursContext(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := q.Pop(ctx); ok {
		t.Error("expected Pop to give up when ctx ends")
	}
}

func TestFrameQueue_Clear(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(4)
	q.Push(audio.Frame{})
	q.Push(audio.Frame{})
	if n := q.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if q.Len() != 0 || q.Dropped() != 0 {
		t.Errorf("after clear: len=%d dropped=%d", q.Len(), q.Dropped())
	}
}

func TestFrameQueue_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(8)
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		var last uint64
		for {
			f, ok := q.Pop(context.Background())
			if !ok {
				return
			}
			if received > 0 && f.Seq <= last {
				t.Errorf("out of order: %d after %d", f.Seq, last)
				return
			}
			last = f.Seq
			received++
		}
	}()

	for i := range total {
		q.Push(audio.Frame{Seq: uint64(i)})
	}
	q.Close()
	wg.Wait()

	if uint64(received)+q.Dropped() != total {
		t.Errorf("received %d + dropped %d != %d", received, q.Dropped(), total)
	}
}

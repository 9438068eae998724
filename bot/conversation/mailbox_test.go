package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMailboxPreservesPerChatOrder(t *testing.T) {
	m := NewMailbox(MailboxOptions{Concurrency: 4})
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		if err := m.Submit(context.Background(), 1, func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran job %d", i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("ran %d jobs", len(got))
	}
}

func TestMailboxRunsChatsConcurrently(t *testing.T) {
	m := NewMailbox(MailboxOptions{Concurrency: 2})
	release := make(chan struct{})
	started := make(chan int64, 2)

	for _, id := range []int64{1, 2} {
		id := id
		_ = m.Submit(context.Background(), id, func(context.Context) {
			started <- id
			<-release
		})
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("second chat blocked by the first")
		}
	}
	close(release)
	_ = m.Close(context.Background())
}

func TestMailboxSameChatIsSerial(t *testing.T) {
	m := NewMailbox(MailboxOptions{Concurrency: 8})
	var active, maxActive atomic.Int32
	for i := 0; i < 20; i++ {
		_ = m.Submit(context.Background(), 9, func(context.Context) {
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		})
	}
	_ = m.Close(context.Background())
	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent jobs for one chat = %d", maxActive.Load())
	}
}

func TestMailboxConcurrencyBound(t *testing.T) {
	m := NewMailbox(MailboxOptions{Concurrency: 2})
	var active, maxActive atomic.Int32
	for id := int64(0); id < 10; id++ {
		_ = m.Submit(context.Background(), id, func(context.Context) {
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		})
	}
	_ = m.Close(context.Background())
	if maxActive.Load() > 2 {
		t.Fatalf("max concurrent chats = %d, want <= 2", maxActive.Load())
	}
}

func TestMailboxRecoversPanics(t *testing.T) {
	var panicked atomic.Int64
	m := NewMailbox(MailboxOptions{OnPanic: func(_ context.Context, chatID int64, _ any) {
		panicked.Store(chatID)
	}})
	var ran atomic.Bool
	_ = m.Submit(context.Background(), 5, func(context.Context) { panic("boom") })
	_ = m.Submit(context.Background(), 5, func(context.Context) { ran.Store(true) })
	_ = m.Close(context.Background())

	if panicked.Load() != 5 {
		t.Fatalf("OnPanic chat = %d", panicked.Load())
	}
	if !ran.Load() {
		t.Fatal("chat stopped after a panic")
	}
}

func TestMailboxDetachesCancellation(t *testing.T) {
	m := NewMailbox(MailboxOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var jobErr error
	_ = m.Submit(ctx, 1, func(jobCtx context.Context) { jobErr = jobCtx.Err() })
	_ = m.Close(context.Background())
	if jobErr != nil {
		t.Fatalf("job context cancelled: %v", jobErr)
	}
}

func TestMailboxClosed(t *testing.T) {
	m := NewMailbox(MailboxOptions{})
	_ = m.Close(context.Background())
	if err := m.Submit(context.Background(), 1, func(context.Context) {}); err != ErrMailboxClosed {
		t.Fatalf("err = %v", err)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d", m.Pending())
	}
}

func TestMailboxCloseTimeout(t *testing.T) {
	m := NewMailbox(MailboxOptions{})
	release := make(chan struct{})
	_ = m.Submit(context.Background(), 1, func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Close(ctx); err == nil {
		t.Fatal("expected timeout")
	}
	close(release)
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/m3rciful/faqbot/core/logger"
)

// ErrMailboxClosed is returned by Submit after Close.
var ErrMailboxClosed = errors.New("conversation: mailbox closed")

// Job is one unit of work for a chat.
type Job func(ctx context.Context)

// MailboxOptions configures a Mailbox.
type MailboxOptions struct {
	// Concurrency bounds the number of chats processed at once.
	Concurrency int64
	// OnPanic is called after a job panics; the chat keeps being served.
	OnPanic func(ctx context.Context, chatID int64, cause any)
}

type queued struct {
	ctx context.Context
	job Job
}

// Mailbox runs jobs in submission order per chat and in parallel across chats.
type Mailbox struct {
	sem     *semaphore.Weighted
	onPanic func(ctx context.Context, chatID int64, cause any)

	mu      sync.Mutex
	queues  map[int64][]queued
	closed  bool
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewMailbox returns an empty Mailbox.
func NewMailbox(opts MailboxOptions) *Mailbox {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 32
	}
	return &Mailbox{
		sem:     semaphore.NewWeighted(opts.Concurrency),
		onPanic: opts.OnPanic,
		queues:  make(map[int64][]queued),
	}
}

// Submit queues job for chatID and returns without waiting for it.
// The job context keeps ctx values but not its cancellation.
func (m *Mailbox) Submit(ctx context.Context, chatID int64, job Job) error {
	if job == nil {
		return errors.New("conversation: nil job")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMailboxClosed
	}

	q, running := m.queues[chatID]
	m.queues[chatID] = append(q, queued{ctx: context.WithoutCancel(ctx), job: job})
	m.pending.Add(1)
	if !running {
		m.wg.Add(1)
		go m.drain(chatID)
	}
	return nil
}

// drain runs the chat's queue until it is empty. A chat has at most one
// drain goroutine; its presence in queues marks it as running.
func (m *Mailbox) drain(chatID int64) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		q := m.queues[chatID]
		if len(q) == 0 {
			delete(m.queues, chatID)
			m.mu.Unlock()
			return
		}
		next := q[0]
		q[0] = queued{}
		m.queues[chatID] = q[1:]
		m.mu.Unlock()

		// Acquire only fails on a cancelled context, and job contexts are never cancelled.
		_ = m.sem.Acquire(context.Background(), 1)
		m.run(chatID, next)
		m.sem.Release(1)
		m.pending.Add(-1)
	}
}

func (m *Mailbox) run(chatID int64, q queued) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(q.ctx, "conversation", "turn.panic",
				slog.Int64("chat_id", chatID),
				slog.String("cause", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			if m.onPanic != nil {
				m.onPanic(q.ctx, chatID, r)
			}
		}
	}()
	q.job(q.ctx)
}

// Pending returns the number of jobs queued or running.
func (m *Mailbox) Pending() int64 {
	return m.pending.Load()
}

// Close rejects new jobs and waits until queued ones finish or ctx is done.
func (m *Mailbox) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn(ctx, "conversation", "mailbox.close",
			slog.String("status", "fail"),
			slog.Int64("pending_count", m.Pending()),
			slog.String("err", ctx.Err().Error()),
		)
		return ctx.Err()
	}
}

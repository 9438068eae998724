// Package sender runs outbound Telegram jobs on a small worker pool so callers
// never block on delivery.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/faqbot/core/logger"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
)

var (
	// ErrQueueClosed is returned when enqueue is attempted after dispatcher stop.
	ErrQueueClosed = errors.New("telegram sender: queue closed")
	// ErrQueueFull indicates the queue is saturated and the job was not accepted.
	ErrQueueFull = errors.New("telegram sender: queue full")
)

// Options controls the behaviour of the outbound dispatcher.
type Options struct {
	QueueSize int
	Workers   int
	// MaxDuration bounds the time a single job may run, retries included.
	MaxDuration time.Duration
}

type job struct {
	ctx    context.Context
	action string
	target string
	run    func(ctx context.Context) error
}

// Dispatcher executes queued jobs asynchronously. Jobs own their retry policy.
type Dispatcher struct {
	opts Options
	jobs chan job
	stop chan struct{}
	mu   sync.RWMutex
	once sync.Once
	wg   sync.WaitGroup
	errs atomic.Uint64
	done atomic.Uint64
}

// NewDispatcher starts a dispatcher with sane defaults if options are zeroed.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 30 * time.Second
	}

	d := &Dispatcher{
		opts: opts,
		jobs: make(chan job, opts.QueueSize),
		stop: make(chan struct{}),
	}

	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker()
	}

	return d
}

// Enqueue schedules run for asynchronous execution without blocking.
// The context handed to run is detached from ctx cancellation but keeps its values.
func (d *Dispatcher) Enqueue(ctx context.Context, action, target string, run func(ctx context.Context) error) error {
	if run == nil {
		return errors.New("telegram sender: nil run function")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	select {
	case <-d.stop:
		return ErrQueueClosed
	default:
	}

	j := job{
		ctx:    context.WithoutCancel(ctx),
		action: action,
		target: target,
		run:    run,
	}

	select {
	case d.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// ErrorCount returns the number of failed jobs.
func (d *Dispatcher) ErrorCount() uint64 {
	return d.errs.Load()
}

// DoneCount returns the number of jobs that completed successfully.
func (d *Dispatcher) DoneCount() uint64 {
	return d.done.Load()
}

// Close stops accepting jobs and waits for workers to drain the queue.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		close(d.stop)
		close(d.jobs)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.handleJob(j)
	}
}

func (d *Dispatcher) handleJob(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, d.opts.MaxDuration)
	defer cancel()

	start := time.Now()
	logger.Debug(ctx, "tg.sender", "job.start", jobAttrs(j)...)

	err := d.safeRun(ctx, j)
	elapsed := time.Since(start)
	if err != nil {
		d.errs.Add(1)
		logger.Error(ctx, "tg.sender", "job.fail", append(jobAttrs(j),
			slog.String("err", delivery.SanitizeError(err)),
			slog.String("err_code", delivery.ClassifyError(err)),
			slog.Duration("duration", elapsed),
		)...)
		return
	}
	d.done.Add(1)
	logger.Debug(ctx, "tg.sender", "job.done", append(jobAttrs(j), slog.Duration("duration", elapsed))...)
}

func (d *Dispatcher) safeRun(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("telegram sender: job panicked")
			logger.Error(ctx, "tg.sender", "job.panic", append(jobAttrs(j), slog.Any("cause", r))...)
		}
	}()
	return j.run(ctx)
}

func jobAttrs(j job) []slog.Attr {
	attrs := []slog.Attr{slog.String("action", j.action)}
	if j.target != "" {
		attrs = append(attrs, slog.String("target", j.target))
	}
	return attrs
}

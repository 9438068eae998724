package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// asyncWriter fans records out to sinks on a background goroutine.
// Write never blocks: when the queue is full the record is dropped and
// counted, and the next written record is preceded by a drop notice.
type asyncWriter struct {
	queue    chan []byte
	flushReq chan chan error
	done     chan struct{}
	once     sync.Once
	sendMu   sync.RWMutex
	closed   bool

	mu       sync.Mutex
	sinks    []*bufio.Writer
	writeErr error

	dropped  atomic.Uint64
	reported uint64
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	return newAsyncWriterQueue(writers, bufSize, 1024)
}

func newAsyncWriterQueue(writers []io.Writer, bufSize, queueLen int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	if queueLen <= 0 {
		queueLen = 1024
	}
	sinks := make([]*bufio.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			sinks = append(sinks, bufio.NewWriterSize(w, bufSize))
		}
	}
	aw := &asyncWriter{
		queue:    make(chan []byte, queueLen),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
		sinks:    sinks,
	}
	go aw.loop()
	return aw
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	for {
		select {
		case data, ok := <-w.queue:
			if !ok {
				w.reportDrops()
				_ = w.flushAll()
				return
			}
			w.reportDrops()
			w.setErr(w.writeAll(data))
			// Sinks are flushed once the queue is idle, not per record.
			if len(w.queue) == 0 {
				w.setErr(w.flushAll())
			}
		case ack := <-w.flushReq:
			w.drainPending()
			ack <- w.flushAll()
		}
	}
}

// drainPending writes whatever is queued without waiting for more.
func (w *asyncWriter) drainPending() {
	for {
		select {
		case data, ok := <-w.queue:
			if !ok {
				return
			}
			w.setErr(w.writeAll(data))
		default:
			w.reportDrops()
			return
		}
	}
}

// Write copies p and queues it. It returns the first sink error seen so far.
func (w *asyncWriter) Write(p []byte) error {
	if len(p) == 0 {
		return w.getErr()
	}
	data := make([]byte, len(p))
	copy(data, p)

	w.sendMu.RLock()
	if !w.closed {
		select {
		case w.queue <- data:
		default:
			w.dropped.Add(1)
		}
	}
	w.sendMu.RUnlock()
	return w.getErr()
}

// Dropped returns how many records were discarded because the queue was full.
func (w *asyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Flush waits until everything queued so far reached the sinks, or timeout passes.
func (w *asyncWriter) Flush() error {
	ack := make(chan error, 1)
	select {
	case w.flushReq <- ack:
	case <-w.done:
		return w.getErr()
	}
	select {
	case err := <-ack:
		return err
	case <-time.After(5 * time.Second):
		return errors.New("logger: flush timed out")
	}
}

// Close drains the queue and reports the first sink error.
func (w *asyncWriter) Close() error {
	w.once.Do(func() {
		w.sendMu.Lock()
		w.closed = true
		close(w.queue)
		w.sendMu.Unlock()
	})
	<-w.done
	return w.getErr()
}

// reportDrops runs on the loop goroutine only.
func (w *asyncWriter) reportDrops() {
	total := w.dropped.Load()
	if total == w.reported {
		return
	}
	notice := fmt.Sprintf("level=WARN component=logger event=log.dropped dropped=%d dropped_total=%d\n", total-w.reported, total)
	w.reported = total
	w.setErr(w.writeAll([]byte(notice)))
}

func (w *asyncWriter) writeAll(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, sink := range w.sinks {
		if _, err := sink.Write(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) flushAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, sink := range w.sinks {
		if err := sink.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) getErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

func (w *asyncWriter) setErr(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr == nil {
		w.writeErr = err
	}
}

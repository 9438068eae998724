// Package faq talks to the question-answering backend: it asks questions and
// reports the outcome of every disambiguation for later curation.
package faq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/samber/oops"

	"github.com/m3rciful/faqbot/core/logger"
)

var (
	// ErrUnavailable means the answer source could not produce a usable answer
	// within the retry budget.
	ErrUnavailable = errors.New("faq: answer source unavailable")
	// ErrMalformedResponse is a decodable reply with neither an answer nor candidates.
	// It matches ErrUnavailable.
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", ErrUnavailable)
	// ErrIngestion means a question report was not accepted.
	ErrIngestion = errors.New("faq: ingestion failed")
)

// Topic is one disambiguation candidate.
type Topic struct {
	ID     int
	Label  string
	Answer string
}

// Result is the answer source verdict: either Answer is set or Candidates lists
// the topics the question may belong to (possibly none).
type Result struct {
	Answer     string
	Candidates []Topic
}

// Direct reports whether the result carries a ready answer.
func (r Result) Direct() bool {
	return r.Answer != ""
}

// Options configures a Client.
type Options struct {
	AskURL    string
	IngestURL string
	APIToken  string
	AskMethod string
	Attempts  int
	// MinBackoff and MaxBackoff clamp the 2^attempt seconds wait between asks.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	opts Options
	http *http.Client
	// backoff builds the wait schedule for one Ask; tests shorten it.
	backoff func() backoff.BackOff
}

// NewClient builds a Client, filling zero options with defaults.
func NewClient(opts Options) *Client {
	if opts.AskMethod == "" {
		opts.AskMethod = http.MethodGet
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 10
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 4 * time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &Client{opts: opts, http: hc}
	c.backoff = func() backoff.BackOff {
		return &clampedExponential{min: opts.MinBackoff, max: opts.MaxBackoff}
	}
	return c
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer          *string `json:"answer"`
	PossibleAnswers *[]struct {
		Topic   string `json:"topic"`
		TopicID int    `json:"topic_id"`
		Answer  string `json:"answer"`
	} `json:"possible_answers"`
}

// Ask sends the question to the answer source. Network errors, non-2xx replies
// and undecodable bodies are retried; a malformed reply is not.
func (c *Client) Ask(ctx context.Context, question string) (Result, error) {
	start := time.Now()
	attempt := 0
	op := func() (Result, error) {
		attempt++
		res, err := c.askOnce(ctx, question)
		if errors.Is(err, ErrMalformedResponse) {
			return Result{}, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(uint(c.opts.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn(ctx, "faq", "ask.retry",
				slog.String("status", "retry"),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.String("err", err.Error()),
			)
		}),
	)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		logger.Error(ctx, "faq", "ask.fail",
			slog.String("status", "fail"),
			slog.Int("attempts", attempt),
			slog.String("err", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return Result{}, oops.In("faq").
			With("question", logger.SanitizeLimit(question, 256)).
			With("attempts", attempt).
			Wrapf(err, "ask question")
	}

	logger.Debug(ctx, "faq", "ask.done",
		slog.String("status", "ok"),
		slog.Bool("direct", res.Direct()),
		slog.Int("candidates", len(res.Candidates)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (c *Client) askOnce(ctx context.Context, question string) (Result, error) {
	body, err := json.Marshal(askRequest{Question: question})
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, c.opts.AskMethod, c.opts.AskURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("ask_question status %d", resp.StatusCode)
	}

	var decoded askResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode ask_question response: %w", err)
	}
	return decoded.result()
}

func (r askResponse) result() (Result, error) {
	if r.Answer != nil && *r.Answer != "" {
		return Result{Answer: *r.Answer}, nil
	}
	if r.PossibleAnswers == nil {
		return Result{}, ErrMalformedResponse
	}
	topics := make([]Topic, 0, len(*r.PossibleAnswers))
	for _, p := range *r.PossibleAnswers {
		topics = append(topics, Topic{ID: p.TopicID, Label: p.Topic, Answer: p.Answer})
	}
	return Result{Candidates: topics}, nil
}

type reportRequest struct {
	Question    string `json:"question"`
	SelectTopic *int   `json:"select_topic"`
}

// ReportQuestion records which topic the user picked for question, or nil
// when none fit. It is attempted once.
func (c *Client) ReportQuestion(ctx context.Context, question string, topicID *int) error {
	start := time.Now()
	err := c.reportOnce(ctx, question, topicID)
	if err != nil {
		logger.Error(ctx, "faq", "report.fail",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		b := oops.In("faq").With("question", logger.SanitizeLimit(question, 256))
		if topicID != nil {
			b = b.With("topic_id", *topicID)
		}
		return b.Wrapf(fmt.Errorf("%w: %w", ErrIngestion, err), "report question")
	}

	attrs := []slog.Attr{slog.String("status", "ok"), slog.Duration("duration", time.Since(start))}
	if topicID != nil {
		attrs = append(attrs, slog.Int("topic_id", *topicID))
	}
	logger.Info(ctx, "faq", "report.done", attrs...)
	return nil
}

func (c *Client) reportOnce(ctx context.Context, question string, topicID *int) error {
	body, err := json.Marshal(reportRequest{Question: question, SelectTopic: topicID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.IngestURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIToken != "" {
		req.Header.Set("Authorization", "Token "+c.opts.APIToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ingestion status %d", resp.StatusCode)
	}
	return nil
}

// clampedExponential waits 2^n seconds before retry n, clamped to [min, max].
type clampedExponential struct {
	min, max time.Duration
	n        int
}

func (b *clampedExponential) NextBackOff() time.Duration {
	b.n++
	wait := time.Second
	for i := 0; i < b.n && wait < b.max; i++ {
		wait *= 2
	}
	return min(max(wait, b.min), b.max)
}

func (b *clampedExponential) Reset() { b.n = 0 }

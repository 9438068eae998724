package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/jmoiron/sqlx"
	"github.com/samber/oops"

	"github.com/m3rciful/faqbot/core/logger"
)

// Record is one satisfaction rating. Records are append-only.
type Record struct {
	ChatID    int64     `db:"chat_id"`
	Rating    int       `db:"rating"`
	CreatedAt time.Time `db:"created_at"`
}

// Recorder persists ratings.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// History reads back stored ratings. Only the Postgres recorder provides it.
type History interface {
	Ratings(ctx context.Context, limit int) ([]Record, error)
}

// Average returns the mean rating of recs, or 0 for none.
func Average(recs []Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	return pie.Average(pie.Map(recs, func(r Record) int { return r.Rating }))
}

// ValidRating reports whether r is within the 1..5 scale.
func ValidRating(r int) bool {
	return r >= 1 && r <= 5
}

// FileRecorder appends "<chatId>: <rating>" lines to a text file.
type FileRecorder struct {
	mu   sync.Mutex
	path string
}

// NewFileRecorder returns a recorder writing to path. The file is created on first use.
func NewFileRecorder(path string) *FileRecorder {
	return &FileRecorder{path: path}
}

// Record appends rec as one line.
func (f *FileRecorder) Record(ctx context.Context, rec Record) error {
	if !ValidRating(rec.Rating) {
		return oops.In("feedback").With("rating", rec.Rating).Errorf("rating out of range")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return oops.In("feedback").With("path", f.path).Wrapf(err, "open feedback file")
	}
	if _, err := fmt.Fprintf(file, "%d: %d\n", rec.ChatID, rec.Rating); err != nil {
		_ = file.Close()
		return oops.In("feedback").With("path", f.path).Wrapf(err, "append feedback")
	}
	if err := file.Close(); err != nil {
		return oops.In("feedback").With("path", f.path).Wrapf(err, "close feedback file")
	}

	logger.Info(ctx, "feedback", "record.saved",
		slog.String("status", "ok"),
		slog.Int("rating", rec.Rating),
		slog.String("db", "file"),
	)
	return nil
}

const insertFeedback = `INSERT INTO feedback (chat_id, rating, created_at) VALUES (:chat_id, :rating, :created_at)`

// PostgresRecorder inserts ratings into the feedback table.
type PostgresRecorder struct {
	db *sqlx.DB
}

// NewPostgresRecorder wraps an open connection pool.
func NewPostgresRecorder(db *sqlx.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Record inserts rec.
func (p *PostgresRecorder) Record(ctx context.Context, rec Record) error {
	if !ValidRating(rec.Rating) {
		return oops.In("feedback").With("rating", rec.Rating).Errorf("rating out of range")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	start := time.Now()
	if _, err := p.db.NamedExecContext(ctx, insertFeedback, rec); err != nil {
		return oops.In("feedback").With("chat_id", rec.ChatID).Wrapf(err, "insert feedback")
	}
	logger.Info(ctx, "feedback", "record.saved",
		slog.String("status", "ok"),
		slog.Int("rating", rec.Rating),
		slog.String("db", "postgres"),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Ratings returns the most recent ratings, newest first.
func (p *PostgresRecorder) Ratings(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := p.db.SelectContext(ctx, &out,
		`SELECT chat_id, rating, created_at FROM feedback ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, oops.In("feedback").Wrapf(err, "select feedback")
	}
	return out, nil
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redhat-et/delegated-secrets-demo/pkg/archive"
	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
)

// defaultMaxTrails bounds the in-memory correlation index. The index is a
// recent-history debugging view; the archive is the durable record.
const defaultMaxTrails = 4096

// Recorder is the standard Sink: each record is written as a structured log
// line, indexed in memory for correlation-id queries, and optionally copied
// to an archive for retention. Each request appends only its own ordered
// sequence, so per-correlation order holds under concurrent writers. The
// index holds at most maxTrails correlations; the oldest trail is evicted
// when a new correlation pushes past the bound.
type Recorder struct {
	log       *logger.Logger
	archive   archive.RecordArchive
	maxTrails int

	mu     sync.RWMutex
	byCorr map[string][]Record
	seq    map[string]int
	order  []string
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithArchive copies every record to the given archive.
func WithArchive(a archive.RecordArchive) Option {
	return func(r *Recorder) { r.archive = a }
}

// WithMaxTrails overrides how many correlation trails the in-memory index
// retains before evicting the oldest.
func WithMaxTrails(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.maxTrails = n
		}
	}
}

// NewRecorder creates a recorder logging through log.
func NewRecorder(log *logger.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		log:       log,
		maxTrails: defaultMaxTrails,
		byCorr:    make(map[string][]Record),
		seq:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends rec to the trail. It never returns an error: archive or
// marshalling problems are logged locally and the primary flow proceeds.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.mu.Lock()
	if _, known := r.byCorr[rec.CorrelationID]; !known {
		r.order = append(r.order, rec.CorrelationID)
		for len(r.order) > r.maxTrails {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.byCorr, oldest)
			delete(r.seq, oldest)
		}
	}
	r.byCorr[rec.CorrelationID] = append(r.byCorr[rec.CorrelationID], rec)
	r.seq[rec.CorrelationID]++
	seq := r.seq[rec.CorrelationID]
	r.mu.Unlock()

	r.log.Info("audit",
		"correlation_id", rec.CorrelationID,
		"stage", string(rec.Stage),
		"subject", rec.Subject,
		"role", rec.Role,
		"outcome", string(rec.Outcome),
		"reason", rec.Reason,
	)

	if r.archive == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		r.log.Error("failed to encode audit record for archive", "error", err)
		return
	}
	key := fmt.Sprintf("audit/%s/%04d-%s.json", rec.CorrelationID, seq, rec.Stage)
	if err := r.archive.Put(ctx, key, payload); err != nil {
		r.log.Error("failed to archive audit record", "key", key, "error", err)
	}
}

// Query returns the stage-ordered trail for one correlation id.
func (r *Recorder) Query(correlationID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trail := r.byCorr[correlationID]
	out := make([]Record, len(trail))
	copy(out, trail)
	return out
}

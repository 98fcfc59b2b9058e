package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhat-et/delegated-secrets-demo/pkg/archive"
	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewWithWriter(logger.ComponentAudit, io.Discard, false)
}

func TestRecorderKeepsStageOrder(t *testing.T) {
	r := NewRecorder(testLogger())
	ctx := context.Background()

	stages := []Stage{StageReceived, StageValidated, StageRoleResolved, StageCredentialBrokered, StageAccessCompleted}
	for _, s := range stages {
		r.Record(ctx, Record{CorrelationID: "corr-1", Stage: s, Outcome: OutcomeSuccess})
	}
	// Interleaved foreign correlation id must not pollute the trail.
	r.Record(ctx, Record{CorrelationID: "corr-2", Stage: StageReceived, Outcome: OutcomeSuccess})

	trail := r.Query("corr-1")
	require.Len(t, trail, len(stages))
	for i, s := range stages {
		assert.Equal(t, s, trail[i].Stage)
	}
	assert.Len(t, r.Query("corr-2"), 1)
	assert.Empty(t, r.Query("unknown"))
}

func TestRecorderQueryReturnsCopy(t *testing.T) {
	r := NewRecorder(testLogger())
	r.Record(context.Background(), Record{CorrelationID: "corr-1", Stage: StageReceived, Outcome: OutcomeSuccess})

	trail := r.Query("corr-1")
	trail[0].Stage = StageAccessCompleted

	assert.Equal(t, StageReceived, r.Query("corr-1")[0].Stage)
}

func TestRecorderArchivesRecords(t *testing.T) {
	mock := archive.NewMockArchive()
	r := NewRecorder(testLogger(), WithArchive(mock))
	ctx := context.Background()

	r.Record(ctx, Record{CorrelationID: "corr-1", Stage: StageReceived, Outcome: OutcomeSuccess})
	r.Record(ctx, Record{CorrelationID: "corr-1", Stage: StageValidated, Subject: "alice", Outcome: OutcomeSuccess})

	keys, err := mock.List(ctx, "audit/corr-1/")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	payload, err := mock.Get(ctx, keys[1])
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(payload, &rec))
	assert.Equal(t, StageValidated, rec.Stage)
	assert.Equal(t, "alice", rec.Subject)
}

// failingArchive rejects every write.
type failingArchive struct{}

func (failingArchive) Put(context.Context, string, []byte) error {
	return errors.New("bucket offline")
}
func (failingArchive) List(context.Context, string) ([]string, error) {
	return nil, errors.New("bucket offline")
}
func (failingArchive) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket offline")
}
func (failingArchive) Ping(context.Context) error { return errors.New("bucket offline") }

func TestRecorderToleratesArchiveFailure(t *testing.T) {
	r := NewRecorder(testLogger(), WithArchive(failingArchive{}))

	// Must not panic or drop the in-memory record.
	r.Record(context.Background(), Record{CorrelationID: "corr-1", Stage: StageReceived, Outcome: OutcomeSuccess})
	assert.Len(t, r.Query("corr-1"), 1)
}

func TestRecorderEvictsOldestTrail(t *testing.T) {
	r := NewRecorder(testLogger(), WithMaxTrails(2))
	ctx := context.Background()

	for _, id := range []string{"corr-1", "corr-2", "corr-3"} {
		r.Record(ctx, Record{CorrelationID: id, Stage: StageReceived, Outcome: OutcomeSuccess})
	}

	assert.Empty(t, r.Query("corr-1"), "oldest trail is evicted past the bound")
	assert.Len(t, r.Query("corr-2"), 1)
	assert.Len(t, r.Query("corr-3"), 1)
}

func TestRecorderEvictionCountsTrailsNotRecords(t *testing.T) {
	r := NewRecorder(testLogger(), WithMaxTrails(2))
	ctx := context.Background()

	// Many records under one id occupy a single slot.
	for _, s := range []Stage{StageReceived, StageValidated, StageAccessCompleted} {
		r.Record(ctx, Record{CorrelationID: "corr-1", Stage: s, Outcome: OutcomeSuccess})
	}
	r.Record(ctx, Record{CorrelationID: "corr-2", Stage: StageReceived, Outcome: OutcomeSuccess})

	assert.Len(t, r.Query("corr-1"), 3)
	assert.Len(t, r.Query("corr-2"), 1)
}

func TestRecorderEvictionKeepsArchive(t *testing.T) {
	mock := archive.NewMockArchive()
	r := NewRecorder(testLogger(), WithArchive(mock), WithMaxTrails(1))
	ctx := context.Background()

	r.Record(ctx, Record{CorrelationID: "corr-1", Stage: StageReceived, Outcome: OutcomeSuccess})
	r.Record(ctx, Record{CorrelationID: "corr-2", Stage: StageReceived, Outcome: OutcomeSuccess})

	assert.Empty(t, r.Query("corr-1"))
	keys, err := mock.List(ctx, "audit/corr-1/")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "eviction drops the index entry, never the archived record")
}

func TestCorrelationContext(t *testing.T) {
	ctx := context.Background()

	_, ok := CorrelationFrom(ctx)
	assert.False(t, ok)

	ctx = WithCorrelationID(ctx, "corr-42")
	id, ok := CorrelationFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "corr-42", id)

	// Empty id is not attached.
	_, ok = CorrelationFrom(WithCorrelationID(context.Background(), ""))
	assert.False(t, ok)
}

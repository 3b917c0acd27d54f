package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/internal/storage"
	"github.com/probeline/probeline/internal/testutil"
)

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := storage.NewPipeline(testutil.NewTestLogger(t), store, storage.PipelineConfig{
		FlushBatchSize:      10,
		FlushInterval:       time.Hour, // never fires in this test
		MaxEventsPerSession: 100000,
	})
	defer p.Close()

	for _, e := range makeEvents(storage.EventEnter, 1, 10) {
		p.Enqueue("sess-1", e)
	}

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	require.Eventually(t, func() bool {
		got, err := store.QueryEvents(ctx, "sess-1", storage.QueryFilter{})
		return err == nil && len(got) == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineFlushesOnInterval(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := storage.NewPipeline(testutil.NewTestLogger(t), store, storage.PipelineConfig{
		FlushBatchSize:      1000,
		FlushInterval:       20 * time.Millisecond,
		MaxEventsPerSession: 100000,
	})
	defer p.Close()

	p.Enqueue("sess-1", storage.Event{Seq: 1, Kind: storage.EventEnter})

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	require.Eventually(t, func() bool {
		got, err := store.QueryEvents(ctx, "sess-1", storage.QueryFilter{})
		return err == nil && len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineFlushesOnClose(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := storage.NewPipeline(testutil.NewTestLogger(t), store, storage.PipelineConfig{
		FlushBatchSize:      1000,
		FlushInterval:       time.Hour,
		MaxEventsPerSession: 100000,
	})

	for _, e := range makeEvents(storage.EventEnter, 1, 5) {
		p.Enqueue("sess-1", e)
	}
	p.Close()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	got, err := store.QueryEvents(ctx, "sess-1", storage.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestPipelineEnforcesRetentionAfterFlush(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := storage.NewPipeline(testutil.NewTestLogger(t), store, storage.PipelineConfig{
		FlushBatchSize:      50,
		FlushInterval:       time.Hour,
		MaxEventsPerSession: 30,
	})

	for _, e := range makeEvents(storage.EventEnter, 1, 50) {
		p.Enqueue("sess-1", e)
	}
	p.Close()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	count, err := store.CountEvents(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), count)

	// Oldest events went first.
	got, err := store.QueryEvents(ctx, "sess-1", storage.QueryFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, int64(21), got[0].Seq)
}

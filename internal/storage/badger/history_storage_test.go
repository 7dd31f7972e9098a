package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/models"
)

func newTestStorage(t *testing.T) *HistoryStorage {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewHistoryStorage(db, logger).(*HistoryStorage)
}

func record(identifier, tag string, ts time.Time) *models.HistoryRecord {
	name := models.HistoryName(identifier, tag, ts)
	return &models.HistoryRecord{
		Key:        name,
		Name:       name,
		Identifier: identifier,
		Tag:        tag,
		Timestamp:  ts,
		Status:     "done",
	}
}

func TestSaveAndGetRecord(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.Local)

	rec := record("1790012345001", "2024", ts)
	require.NoError(t, s.SaveRecord(ctx, rec))

	got, err := s.GetRecord(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "1790012345001_2024_2024-05-01_10-30-00", got.Name)
	assert.True(t, ts.Equal(got.Timestamp))

	_, err = s.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, s.SaveRecord(ctx, &models.HistoryRecord{}), models.ErrValidation)
}

func TestListRecordsMostRecentFirst(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveRecord(ctx, record(fmt.Sprintf("179001234500%d", i), "SUPERCIAS", base.Add(time.Duration(i)*time.Hour))))
	}

	all, err := s.ListRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Timestamp.After(all[i].Timestamp))
	}

	limited, err := s.ListRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "1790012345004", limited[0].Identifier)

	count, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestListByIdentifier(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveRecord(ctx, record("1790012345001", "2024", now.Add(-time.Minute))))
	require.NoError(t, s.SaveRecord(ctx, record("1790012345001", "SUPERCIAS", now)))
	require.NoError(t, s.SaveRecord(ctx, record("0990000000001", "2023", now)))

	records, err := s.ListByIdentifier(ctx, "1790012345001")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "SUPERCIAS", records[0].Tag)
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveRecord(ctx, record("1790012345001", "2024", now.Add(-48*time.Hour))))
	require.NoError(t, s.SaveRecord(ctx, record("1790012345002", "2024", now.Add(-47*time.Hour))))
	require.NoError(t, s.SaveRecord(ctx, record("1790012345003", "2024", now)))

	deleted, err := s.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	count, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/askuuz/askuuz/pkg/storage"
	"github.com/askuuz/askuuz/pkg/storage/storagemock"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

	parse := func(query string) (time.Time, time.Time, error) {
		return parseTimeRange(httptest.NewRequest("GET", "/?"+query, nil), now)
	}

	t.Run("Default", func(t *testing.T) {
		start, end, err := parse("")
		require.NoError(t, err)
		assert.Equal(t, now, end)
		assert.Equal(t, now.Add(-30*24*time.Hour), start)
	})

	t.Run("Explicit", func(t *testing.T) {
		start, end, err := parse("start=2024-01-01T00:00:00Z&end=2024-02-01T00:00:00%2B05:00")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
		assert.True(t, time.Date(2024, 1, 31, 19, 0, 0, 0, time.UTC).Equal(end))
	})

	t.Run("Only Start", func(t *testing.T) {
		start, end, err := parse("start=2024-05-01T00:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, now, end)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, _, err := parse("start=yesterday")
		assert.Error(t, err)
		_, _, err = parse("end=tomorrow")
		assert.Error(t, err)
		_, _, err = parse("start=2024-05-02T00:00:00Z&end=2024-05-01T00:00:00Z")
		assert.Error(t, err)
		_, _, err = parse("start=2022-01-01T00:00:00Z&end=2024-01-01T00:00:00Z")
		assert.Error(t, err)
	})
}

func TestHandleHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("Snapshots", func(t *testing.T) {
		db := storage.NewMemory()
		srv, _ := newTestServer(db)
		require.NoError(t, db.CreateAccount(ctx, waterAccount("a")))
		require.NoError(t, srv.registry.Load(waterAccount("a")))

		ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, db.InsertSnapshot(ctx, "a", types.Snapshot{ID: "s1", Timestamp: ts, Record: testRecord(-1)}))
		require.NoError(t, db.InsertSnapshot(ctx, "a", types.Snapshot{ID: "s2", Timestamp: ts.Add(24 * time.Hour), Record: testRecord(-2)}))

		w := doJSON(t, srv.setupHandler(), "GET", "/api/accounts/a/history?start=2024-05-01T00:00:00Z&end=2024-05-02T00:00:00Z", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))

		var snapshots []types.Snapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshots))
		require.Len(t, snapshots, 1)
		assert.Equal(t, "s1", snapshots[0].ID)
		assert.Equal(t, -1.0, snapshots[0].Record.Balance)
	})

	t.Run("Empty", func(t *testing.T) {
		srv, _ := newTestServer(storage.NewMemory())
		require.NoError(t, srv.registry.Load(waterAccount("a")))

		w := doJSON(t, srv.setupHandler(), "GET", "/api/accounts/a/history", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=60", w.Header().Get("Cache-Control"))
		assert.JSONEq(t, "[]", w.Body.String())
	})

	t.Run("Unknown Account", func(t *testing.T) {
		srv, _ := newTestServer(storage.NewMemory())
		w := doJSON(t, srv.setupHandler(), "GET", "/api/accounts/missing/history", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Bad Range", func(t *testing.T) {
		srv, _ := newTestServer(storage.NewMemory())
		require.NoError(t, srv.registry.Load(waterAccount("a")))
		w := doJSON(t, srv.setupHandler(), "GET", "/api/accounts/a/history?start=nope", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Storage Error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		srv, _ := newTestServer(db)
		require.NoError(t, srv.registry.Load(waterAccount("a")))
		db.On("GetSnapshotHistory", mock.Anything, "a", mock.Anything, mock.Anything).Return(nil, assert.AnError)

		w := doJSON(t, srv.setupHandler(), "GET", "/api/accounts/a/history", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		db.AssertExpectations(t)
	})
}

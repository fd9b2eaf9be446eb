package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/types"
)

// newAPIServer serves the read-side endpoints over a seeded store. The
// orchestrator-backed write paths are covered by the orchestrator tests.
func newAPIServer(t *testing.T) (*httptest.Server, statestore.Store) {
	t.Helper()
	store, err := statestore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := httptest.NewServer(NewServer(nil, store).routes())
	t.Cleanup(ts.Close)
	return ts, store
}

func seedMigration(t *testing.T, store statestore.Store, id string, state types.MigrationState) {
	t.Helper()
	require.NoError(t, store.CreateMigration(&types.Migration{
		ID:        id,
		Name:      "rewrite-users",
		State:     state,
		CreatedAt: time.Now().UTC(),
	}))
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetMigrationStatus(t *testing.T) {
	ts, store := newAPIServer(t)
	seedMigration(t, store, "m1", types.MigrationRunning)

	resource := "shard:document:shard-0"
	lease, err := store.AcquireLock(resource, "m1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.UpsertProgress(&types.ShardProgress{
		MigrationID:    "m1",
		StepID:         "rewrite@shard-0",
		Shard:          "shard-0",
		Status:         types.ProgressRunning,
		ItemsProcessed: 42,
	}, resource, lease.FencingToken))

	var status StatusResponse
	code := getJSON(t, ts.URL+"/v1/migrations/m1", &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "m1", status.Migration.ID)
	require.Len(t, status.Progress, 1)
	assert.Equal(t, int64(42), status.Progress[0].ItemsProcessed)
}

func TestGetMigrationNotFound(t *testing.T) {
	ts, _ := newAPIServer(t)

	var body errorBody
	code := getJSON(t, ts.URL+"/v1/migrations/ghost", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "MIGRATION_NOT_FOUND", body.Code)
	assert.Equal(t, "logical", body.Class)
}

func TestListMigrationsFilteredByState(t *testing.T) {
	ts, store := newAPIServer(t)
	seedMigration(t, store, "m1", types.MigrationPending)
	seedMigration(t, store, "m2", types.MigrationCompleted)

	var all []*types.Migration
	code := getJSON(t, ts.URL+"/v1/migrations", &all)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, all, 2)

	var pending []*types.Migration
	code = getJSON(t, ts.URL+"/v1/migrations?state=pending", &pending)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].ID)
}

func TestListEventsEndpoint(t *testing.T) {
	ts, store := newAPIServer(t)
	seedMigration(t, store, "m1", types.MigrationRunning)
	require.NoError(t, store.AppendEvent(&types.Event{
		ID:          "evt-1",
		MigrationID: "m1",
		Kind:        types.EventStarted,
		Timestamp:   time.Now().UTC(),
	}))

	var events []*types.Event
	code := getJSON(t, ts.URL+"/v1/migrations/m1/events", &events)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventStarted, events[0].Kind)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newAPIServer(t)
	code := getJSON(t, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errdefs.ErrMigrationNotFound, http.StatusNotFound},
		{"terminal", errdefs.ErrMigrationTerminal, http.StatusConflict},
		{"lock busy", errdefs.ErrLockBusy, http.StatusConflict},
		{"structural", errdefs.ErrPlanCycle, http.StatusBadRequest},
		{"logical", errdefs.Logical("SAMPLE_MISMATCH", errors.New("boom")), http.StatusBadRequest},
		{"fatal", errdefs.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	s := &Server{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.writeError(rec, tt.err)
			assert.Equal(t, tt.want, rec.Code)

			var body errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

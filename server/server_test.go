package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsriver/pkg/lifecycle"
	"newsriver/pkg/scheduler"
	"newsriver/pkg/store"
)

type storeMock struct {
	sources     []store.Source
	createErr   error
	created     []*store.Source
	activeCalls []int64
	activeErr   error
	items       int64
	groups      int64
	pending     int64
}

func (m *storeMock) CreateSource(_ context.Context, src *store.Source) error {
	if m.createErr != nil {
		return m.createErr
	}
	src.ID = int64(len(m.created) + 1)
	m.created = append(m.created, src)
	return nil
}

func (m *storeMock) GetSources(_ context.Context) ([]store.Source, error) {
	return m.sources, nil
}

func (m *storeMock) SetSourceActive(_ context.Context, sourceID int64, _ bool) error {
	if m.activeErr != nil {
		return m.activeErr
	}
	m.activeCalls = append(m.activeCalls, sourceID)
	return nil
}

func (m *storeMock) CountItems(_ context.Context) (int64, error)       { return m.items, nil }
func (m *storeMock) CountStoryGroups(_ context.Context) (int64, error) { return m.groups, nil }
func (m *storeMock) PendingRemovals(_ context.Context) (int64, error)  { return m.pending, nil }

type schedulerMock struct {
	pollCalls    int
	cleanupCalls int
}

func (m *schedulerMock) PollNow(_ context.Context) scheduler.RunResult {
	m.pollCalls++
	return scheduler.RunResult{SourcesProcessed: 2, ItemsFound: 5, ItemsSaved: 3}
}

func (m *schedulerMock) CleanupNow(_ context.Context) (lifecycle.Result, error) {
	m.cleanupCalls++
	return lifecycle.Result{ItemsDeleted: 7}, nil
}

type lifecycleMock struct {
	runActions []lifecycle.Action
	runErr     error
	deleted    []int64
	deleteErr  error
	marked     int64
}

func (m *lifecycleMock) Run(_ context.Context, action lifecycle.Action, _ int64) (lifecycle.Result, error) {
	m.runActions = append(m.runActions, action)
	return lifecycle.Result{ItemsDeleted: 1}, m.runErr
}

func (m *lifecycleMock) DeleteSource(_ context.Context, sourceID int64) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.deleted = append(m.deleted, sourceID)
	return m.marked, nil
}

type configMock struct{}

func (c *configMock) GetServerConfig() (string, time.Duration) {
	return "127.0.0.1:0", 30 * time.Second
}

func newTestServer(st *storeMock, sched *schedulerMock, lc *lifecycleMock) *httptest.Server {
	srv := New(&configMock{}, st, sched, lc, "test", false)
	return httptest.NewServer(srv.router)
}

func TestServer_Status(t *testing.T) {
	st := &storeMock{items: 42, groups: 7, pending: 3}
	ts := newTestServer(st, &schedulerMock{}, &lifecycleMock{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status["status"])
	assert.EqualValues(t, 42, status["items"])
	assert.EqualValues(t, 7, status["story_groups"])
	assert.EqualValues(t, 3, status["pending_removals"])
}

func TestServer_Ping(t *testing.T) {
	ts := newTestServer(&storeMock{}, &schedulerMock{}, &lifecycleMock{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Poll(t *testing.T) {
	sched := &schedulerMock{}
	ts := newTestServer(&storeMock{}, sched, &lifecycleMock{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/poll", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, sched.pollCalls)

	var result scheduler.RunResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 3, result.ItemsSaved)
}

func TestServer_Cleanup(t *testing.T) {
	t.Run("full action", func(t *testing.T) {
		lc := &lifecycleMock{}
		ts := newTestServer(&storeMock{}, &schedulerMock{}, lc)
		defer ts.Close()

		body := bytes.NewBufferString(`{"action":"full"}`)
		resp, err := http.Post(ts.URL+"/api/v1/cleanup", "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, lc.runActions, 1)
		assert.Equal(t, lifecycle.ActionFull, lc.runActions[0])
	})

	t.Run("unknown action rejected", func(t *testing.T) {
		lc := &lifecycleMock{}
		ts := newTestServer(&storeMock{}, &schedulerMock{}, lc)
		defer ts.Close()

		body := bytes.NewBufferString(`{"action":"nuke"}`)
		resp, err := http.Post(ts.URL+"/api/v1/cleanup", "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, lc.runActions)
	})

	t.Run("mark requires source id", func(t *testing.T) {
		lc := &lifecycleMock{}
		ts := newTestServer(&storeMock{}, &schedulerMock{}, lc)
		defer ts.Close()

		body := bytes.NewBufferString(`{"action":"markForDeletion"}`)
		resp, err := http.Post(ts.URL+"/api/v1/cleanup", "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := newTestServer(&storeMock{}, &schedulerMock{}, &lifecycleMock{})
		defer ts.Close()

		resp, err := http.Post(ts.URL+"/api/v1/cleanup", "application/json", bytes.NewBufferString("not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_DeleteSource(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		lc := &lifecycleMock{marked: 12}
		ts := newTestServer(&storeMock{}, &schedulerMock{}, lc)
		defer ts.Close()

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sources/5", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var dr deleteSourceResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&dr))
		assert.True(t, dr.Success)
		assert.Equal(t, int64(12), dr.ItemsMarked)
		assert.Equal(t, []int64{5}, lc.deleted)
	})

	t.Run("missing source", func(t *testing.T) {
		lc := &lifecycleMock{deleteErr: fmt.Errorf("source 99: %w", store.ErrNotFound)}
		ts := newTestServer(&storeMock{}, &schedulerMock{}, lc)
		defer ts.Close()

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sources/99", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var dr deleteSourceResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&dr))
		assert.False(t, dr.Success)
		assert.NotEmpty(t, dr.Error)
	})

	t.Run("bad id", func(t *testing.T) {
		ts := newTestServer(&storeMock{}, &schedulerMock{}, &lifecycleMock{})
		defer ts.Close()

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sources/abc", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_Sources(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		st := &storeMock{sources: []store.Source{
			{ID: 1, URL: "https://a.example.com/rss", Name: "a", Active: true},
			{ID: 2, URL: "https://b.example.com/rss", Name: "b", Active: false, ConsecutiveErrors: 5},
		}}
		ts := newTestServer(st, &schedulerMock{}, &lifecycleMock{})
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/sources")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var sources []store.Source
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sources))
		require.Len(t, sources, 2)
		assert.False(t, sources[1].Active)
	})

	t.Run("create", func(t *testing.T) {
		st := &storeMock{}
		ts := newTestServer(st, &schedulerMock{}, &lifecycleMock{})
		defer ts.Close()

		body := bytes.NewBufferString(`{"url":"https://new.example.com/rss","name":"new"}`)
		resp, err := http.Post(ts.URL+"/api/v1/sources", "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		require.Len(t, st.created, 1)
		assert.True(t, st.created[0].Active, "new sources start active")
	})

	t.Run("create without url", func(t *testing.T) {
		ts := newTestServer(&storeMock{}, &schedulerMock{}, &lifecycleMock{})
		defer ts.Close()

		body := bytes.NewBufferString(`{"name":"nameless"}`)
		resp, err := http.Post(ts.URL+"/api/v1/sources", "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("set active", func(t *testing.T) {
		st := &storeMock{}
		ts := newTestServer(st, &schedulerMock{}, &lifecycleMock{})
		defer ts.Close()

		req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/sources/3/active",
			bytes.NewBufferString(`{"active":true}`))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []int64{3}, st.activeCalls)
	})

	t.Run("set active on missing source", func(t *testing.T) {
		st := &storeMock{activeErr: fmt.Errorf("source 9: %w", store.ErrNotFound)}
		ts := newTestServer(st, &schedulerMock{}, &lifecycleMock{})
		defer ts.Close()

		req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/sources/9/active",
			bytes.NewBufferString(`{"active":true}`))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

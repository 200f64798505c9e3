package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"frameworks/api_automation/internal/automation"
	"frameworks/api_automation/internal/orchestrator"
	"frameworks/api_automation/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWorkspaces struct {
	mu     sync.Mutex
	active map[string]bool
	calls  []string
	err    error
}

func (f *fakeWorkspaces) Activate(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "activate:"+id)
	if f.err != nil {
		return f.err
	}
	f.active[id] = true
	return nil
}

func (f *fakeWorkspaces) Deactivate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "deactivate:"+id)
	delete(f.active, id)
}

func (f *fakeWorkspaces) Status(id string) (orchestrator.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return orchestrator.Status{}, orchestrator.ErrNotActive
	}
	return orchestrator.Status{WorkspaceID: id, State: transport.StateConnected, Delivered: 3}, nil
}

func (f *fakeWorkspaces) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids
}

type fakeAutomations struct {
	workspaces *fakeWorkspaces
}

func (f fakeAutomations) Detach(id string) {
	f.workspaces.mu.Lock()
	defer f.workspaces.mu.Unlock()
	f.workspaces.calls = append(f.workspaces.calls, "detach:"+id)
}

func (f fakeAutomations) Status(id string) (automation.WorkerStatus, bool) {
	if id != "ws-1" {
		return automation.WorkerStatus{}, false
	}
	return automation.WorkerStatus{State: automation.StateIdle, Pending: 1, PausedUntil: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}, true
}

func newRouter(ws *fakeWorkspaces) *gin.Engine {
	logger, _ := logrustest.NewNullLogger()
	h := NewLookoutHandlers(ws, fakeAutomations{workspaces: ws}, nil, logger)
	r := gin.New()
	h.Register(r, "secret")
	return r
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestActivateStatusDeactivate(t *testing.T) {
	ws := &fakeWorkspaces{active: map[string]bool{}}
	r := newRouter(ws)

	require.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/workspaces/ws-1/status").Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/workspaces/ws-1/activate").Code)

	w := do(r, http.MethodGet, "/workspaces/ws-1/status")
	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ws-1", resp.Sync.WorkspaceID)
	require.Equal(t, transport.StateConnected, resp.Sync.State)
	require.EqualValues(t, 3, resp.Sync.Delivered)
	require.NotNil(t, resp.Automation)
	require.Equal(t, 1, resp.Automation.Pending)

	w = do(r, http.MethodGet, "/workspaces")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"ws-1"`)

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/workspaces/ws-1/deactivate").Code)
	require.Equal(t, []string{"activate:ws-1", "deactivate:ws-1", "detach:ws-1"}, ws.calls)
	require.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/workspaces/ws-1/status").Code)
}

func TestActivateFailures(t *testing.T) {
	ws := &fakeWorkspaces{active: map[string]bool{}, err: orchestrator.ErrClosed}
	r := newRouter(ws)
	require.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodPost, "/workspaces/ws-1/activate").Code)

	ws.err = errors.New("boom")
	w := do(r, http.MethodPost, "/workspaces/ws-1/activate")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "activation_failed")
}

func TestRoutesRequireServiceToken(t *testing.T) {
	r := newRouter(&fakeWorkspaces{active: map[string]bool{}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/workspaces/ws-1/activate", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

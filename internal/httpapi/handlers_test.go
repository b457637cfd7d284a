package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/session-orchestrator/internal/eventlog"
	"github.com/p-blackswan/session-orchestrator/internal/health"
	"github.com/p-blackswan/session-orchestrator/internal/index"
	"github.com/p-blackswan/session-orchestrator/internal/sandbox"
	"github.com/p-blackswan/session-orchestrator/internal/session"
	"github.com/p-blackswan/session-orchestrator/internal/store"
	"github.com/p-blackswan/session-orchestrator/pkg/tokenstore"
)

type testServer struct {
	srv    *Server
	deps   session.Deps
	issuer *sandbox.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := zerolog.New(os.Stderr)
	s, err := store.New(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	issuer := sandbox.NewTokenIssuer("test-secret")
	deps := session.Deps{
		Index:  index.New(s.DB(), logger),
		Log:    eventlog.New(s.DB(), logger),
		Tokens: tokenstore.NewMemoryStore(),
		Issuer: issuer,
		Logger: logger,
		Limits: session.DefaultLimits(),
	}
	reg := session.NewRegistry(deps)
	spawner := session.NewSpawner(reg, deps.Limits, nil, logger)
	checker := health.NewChecker(logger)

	srv := NewServer(Config{}, reg, spawner, deps.Index, checker, nil, issuer, logger)
	return &testServer{srv: srv, deps: deps, issuer: issuer}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.srv.App().Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func initBody() map[string]string {
	return map[string]string{
		"repoOwner": "acme",
		"repoName":  "web-app",
		"userId":    "user-1",
		"model":     "default",
	}
}

func TestInitAndState(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/sess-1/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var view session.View
	decode(t, resp, &view)
	assert.Equal(t, "sess-1", view.ID)
	assert.Equal(t, session.StatusCreated, view.Status)

	resp = ts.do(t, "GET", "/internal/sessions/sess-1/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Double init is a conflict with an error body
	resp = ts.do(t, "POST", "/internal/sessions/sess-1/init", initBody())
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var errBody map[string]string
	decode(t, resp, &errBody)
	assert.NotEmpty(t, errBody["error"])
}

func TestStateUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/internal/sessions/ghost/state", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/sess-1/init", map[string]string{"userId": "user-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelFlow(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/sess-1/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, "POST", "/internal/sessions/sess-1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view session.View
	decode(t, resp, &view)
	assert.Equal(t, session.StatusCancelled, view.Status)

	// Terminal states are final
	resp = ts.do(t, "POST", "/internal/sessions/sess-1/cancel", nil)
	var errBody map[string]string
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	decode(t, resp, &errBody)
	assert.Contains(t, errBody["error"], "cancelled")
}

func TestSandboxEventAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/sess-1/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	event := map[string]any{"type": "log_line", "data": map[string]string{"line": "hi"}}

	// No bearer
	resp = ts.do(t, "POST", "/internal/sessions/sess-1/sandbox-event", event)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Token scoped to another session
	foreign, err := ts.issuer.Issue("sess-2")
	require.NoError(t, err)
	resp = ts.do(t, "POST", "/internal/sessions/sess-1/sandbox-event", event,
		"Authorization", "Bearer "+foreign)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correctly scoped token
	token, err := ts.issuer.Issue("sess-1")
	require.NoError(t, err)
	resp = ts.do(t, "POST", "/internal/sessions/sess-1/sandbox-event", event,
		"Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestWSTokenEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/sess-1/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, "POST", "/internal/sessions/sess-1/ws-token",
		map[string]string{"userId": "user-1", "name": "Ada"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Token       string               `json:"token"`
		Participant *session.Participant `json:"participant"`
	}
	decode(t, resp, &body)
	assert.NotEmpty(t, body.Token)
	assert.Equal(t, "user-1", body.Participant.UserID)

	// userId is required
	resp = ts.do(t, "POST", "/internal/sessions/sess-1/ws-token", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChildSurface(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/parent/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, err := ts.issuer.Issue("parent")
	require.NoError(t, err)
	auth := []string{"Authorization", "Bearer " + token}

	// Missing bearer is 401
	resp = ts.do(t, "POST", "/sessions/parent/children", map[string]string{"prompt": "task"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, "POST", "/sessions/parent/children", map[string]string{"prompt": "task"}, auth...)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var child session.View
	decode(t, resp, &child)
	assert.Equal(t, 1, child.SpawnDepth)
	assert.Equal(t, "parent", child.ParentSessionID)

	// Cross-repo spawn is always 403
	resp = ts.do(t, "POST", "/sessions/parent/children",
		map[string]string{"prompt": "task", "repoOwner": "someone-else"}, auth...)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, "GET", "/sessions/parent/children", nil, auth...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Children []*index.Record `json:"children"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Children, 1)

	resp = ts.do(t, "GET", "/sessions/parent/children/"+child.ID, nil, auth...)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A child not owned by the claimed parent is 404
	resp = ts.do(t, "POST", "/internal/sessions/other/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	otherToken, err := ts.issuer.Issue("other")
	require.NoError(t, err)
	resp = ts.do(t, "GET", "/sessions/other/children/"+child.ID, nil,
		"Authorization", "Bearer "+otherToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "POST", "/sessions/parent/children/"+child.ID+"/cancel", nil, auth...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &child)
	assert.Equal(t, session.StatusCancelled, child.Status)
}

func TestChildConcurrencyLimit(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/parent/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, err := ts.issuer.Issue("parent")
	require.NoError(t, err)
	auth := []string{"Authorization", "Bearer " + token}

	for i := 0; i < ts.deps.Limits.MaxActiveChildren; i++ {
		resp = ts.do(t, "POST", "/sessions/parent/children",
			map[string]string{"prompt": fmt.Sprintf("task %d", i)}, auth...)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp = ts.do(t, "POST", "/sessions/parent/children",
		map[string]string{"prompt": "one too many"}, auth...)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSpawnContextAndChildSummary(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/parent/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, "POST", "/internal/sessions/parent/spawn-context", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sc session.SpawnContextView
	decode(t, resp, &sc)
	assert.True(t, sc.CanSpawn)
	assert.Equal(t, "acme", sc.RepoOwner)

	resp = ts.do(t, "GET", "/internal/sessions/parent/child-summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary struct {
		Children []*session.ChildSummaryEntry `json:"children"`
	}
	decode(t, resp, &summary)
	assert.Empty(t, summary.Children)
}

func TestListSessions(t *testing.T) {
	ts := newTestServer(t)

	for _, id := range []string{"a", "b", "c"} {
		resp := ts.do(t, "POST", "/internal/sessions/"+id+"/init", initBody())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := ts.do(t, "POST", "/internal/sessions/b/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "GET", "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Sessions []*index.Record `json:"sessions"`
	}
	decode(t, resp, &body)
	assert.Len(t, body.Sessions, 3)

	resp = ts.do(t, "GET", "/sessions?status=cancelled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &body)
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "b", body.Sessions[0].ID)
}

func TestReplayEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/internal/sessions/sess-1/init", initBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, err := ts.issuer.Issue("sess-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		resp = ts.do(t, "POST", "/internal/sessions/sess-1/sandbox-event",
			map[string]any{"type": "log_line", "data": map[string]int{"n": i}},
			"Authorization", "Bearer "+token)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp = ts.do(t, "GET", "/internal/sessions/sess-1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Events  []*eventlog.Event `json:"events"`
		HasMore bool              `json:"hasMore"`
		Cursor  *string           `json:"cursor"`
	}
	decode(t, resp, &page)
	assert.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.Cursor)

	resp = ts.do(t, "GET", "/internal/sessions/sess-1/events?limit=10&cursor="+*page.Cursor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &page)
	assert.Len(t, page.Events, 2)
	assert.False(t, page.HasMore)
}

func TestProbes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "GET", "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

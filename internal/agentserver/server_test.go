package agentserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/devboxd/internal/files"
	"github.com/cuemby/devboxd/internal/loghub"
	"github.com/cuemby/devboxd/internal/pathguard"
	"github.com/cuemby/devboxd/internal/portmonitor"
	"github.com/cuemby/devboxd/internal/process"
	"github.com/cuemby/devboxd/internal/session"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	guard := pathguard.New(t.TempDir())
	hub := loghub.NewHub(nil, loghub.Config{})
	fileSvc := files.New(guard, 10<<20)
	procs := process.New(hub, process.Config{})
	sessions := session.New(guard, hub, session.Config{})
	ports := portmonitor.New(portmonitor.Config{})

	srv := New(Config{Token: testToken}, fileSvc, procs, sessions, ports, hub)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpointExemptFromAuth(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/health", nil, "")
	env := decodeEnvelope(t, resp)
	assert.Equal(t, float64(0), env["status"])
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/api/v1/ports", nil, "")
	env := decodeEnvelope(t, resp)
	assert.EqualValues(t, 1401, env["status"])
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/nonexistent", nil, testToken)
	env := decodeEnvelope(t, resp)
	assert.EqualValues(t, 1404, env["status"])
}

func TestFilesWriteThenRead(t *testing.T) {
	_, ts := newTestServer(t)

	writeBody := map[string]any{
		"path":    "hello.txt",
		"content": base64.StdEncoding.EncodeToString([]byte("hi there")),
	}
	resp := doJSON(t, ts, http.MethodPost, "/api/v1/files/write", writeBody, testToken)
	env := decodeEnvelope(t, resp)
	require.EqualValues(t, 0, env["status"])

	resp = doJSON(t, ts, http.MethodPost, "/api/v1/files/read", map[string]any{"path": "hello.txt"}, testToken)
	env = decodeEnvelope(t, resp)
	require.EqualValues(t, 0, env["status"])
	content, err := base64.StdEncoding.DecodeString(env["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(content))
}

func TestProcessExecSyncEchoesOutput(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/api/v1/process/exec-sync", map[string]any{
		"command": "echo",
		"args":    []string{"hello"},
	}, testToken)
	env := decodeEnvelope(t, resp)
	require.EqualValues(t, 0, env["status"])
	assert.Contains(t, env["stdout"], "hello")
	assert.EqualValues(t, 0, env["exitCode"])
}

func TestPortsEndpointReturnsSnapshot(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/api/v1/ports", nil, testToken)
	env := decodeEnvelope(t, resp)
	require.EqualValues(t, 0, env["status"])
	assert.Contains(t, env, "ports")
}

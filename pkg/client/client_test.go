package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/files"
	"github.com/cuemby/devboxd/internal/loghub"
	"github.com/cuemby/devboxd/internal/pathguard"
	"github.com/cuemby/devboxd/internal/portmonitor"
	"github.com/cuemby/devboxd/internal/process"
	"github.com/cuemby/devboxd/internal/session"
	"github.com/cuemby/devboxd/internal/agentserver"
	"github.com/cuemby/devboxd/internal/types"
	"github.com/cuemby/devboxd/pkg/client"
	"github.com/cuemby/devboxd/pkg/pool"
	"github.com/cuemby/devboxd/pkg/resolver"

	"net/http/httptest"
)

const fixtureToken = "fixture-token"

// fakeUpstream implements upstream.API against a single in-memory devbox
// descriptor, standing in for the external cluster management API (§1
// out-of-scope collaborator).
type fakeUpstream struct {
	desc *types.DevboxDescriptor
}

func (f *fakeUpstream) GetDevbox(ctx context.Context, name string) (*types.DevboxDescriptor, *apierr.Error) {
	if f.desc == nil || f.desc.Name != name {
		return nil, apierr.New(apierr.CodeNotFound, "devbox not found")
	}
	return f.desc, nil
}
func (f *fakeUpstream) StartDevbox(ctx context.Context, name string) *apierr.Error    { return nil }
func (f *fakeUpstream) PauseDevbox(ctx context.Context, name string) *apierr.Error    { return nil }
func (f *fakeUpstream) RestartDevbox(ctx context.Context, name string) *apierr.Error  { return nil }
func (f *fakeUpstream) ShutdownDevbox(ctx context.Context, name string) *apierr.Error { return nil }
func (f *fakeUpstream) DeleteDevbox(ctx context.Context, name string) *apierr.Error   { return nil }

// newHarness wires a real agentserver behind an httptest.Server and a
// façade Client pointed at it through a fake upstream descriptor, so the
// client stack (resolver, pool, façade) exercises real wire traffic (§1,
// "the two halves share a common wire contract").
func newHarness(t *testing.T) (*client.Client, *httptest.Server) {
	t.Helper()
	guard := pathguard.New(t.TempDir())
	hub := loghub.NewHub(nil, loghub.Config{})
	fileSvc := files.New(guard, 10<<20)
	procs := process.New(hub, process.Config{})
	sessions := session.New(guard, hub, session.Config{})
	ports := portmonitor.New(portmonitor.Config{})

	srv := agentserver.New(agentserver.Config{Token: fixtureToken}, fileSvc, procs, sessions, ports, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	up := &fakeUpstream{desc: &types.DevboxDescriptor{
		Name:   "box-1",
		Status: "running",
		AgentServer: &struct {
			URL   string `json:"url"`
			Token string `json:"token"`
		}{URL: ts.URL, Token: fixtureToken},
	}}

	res := resolver.New(up, resolver.Config{AgentDomainTemplate: "%s"})
	p := pool.New(pool.Config{})
	t.Cleanup(p.Stop)

	return client.New("box-1", res, p, up, client.Config{}), ts
}

func TestClient_FileRoundTrip(t *testing.T) {
	c, _ := newHarness(t)
	ctx := context.Background()

	require.NoError(t, c.WriteFile(ctx, "hello.txt", []byte("hi\n"), false, 0))
	data, err := c.ReadFile(ctx, "hello.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestClient_ExecSync(t *testing.T) {
	c, _ := newHarness(t)
	ctx := context.Background()

	res, err := c.ExecSync(ctx, "echo", []string{"world"}, client.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "world")
}

func TestClient_SessionCdThenExec(t *testing.T) {
	c, _ := newHarness(t)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "", "", nil)
	require.NoError(t, err)

	res, err := c.SessionExec(ctx, sess.ID, "pwd")
	require.NoError(t, err)
	initial := res.Stdout

	require.NoError(t, c.SessionCd(ctx, sess.ID, "."))
	res, err = c.SessionExec(ctx, sess.ID, "pwd")
	require.NoError(t, err)
	assert.Equal(t, initial, res.Stdout)

	require.NoError(t, c.TerminateSession(ctx, sess.ID))
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	c, _ := newHarness(t)
	ctx := context.Background()

	start := time.Now()
	_, err := c.ProcessStatus(ctx, "does-not-exist")
	elapsed := time.Since(start)

	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.EqualValues(t, apierr.CodeProcessNotFound, ae.Code)
	assert.Less(t, elapsed, 500*time.Millisecond, "not_found must fail fast, not retry")
}

func TestClient_GetPorts(t *testing.T) {
	c, _ := newHarness(t)
	snap, err := c.GetPorts(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.Ports)
}

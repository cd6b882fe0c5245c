package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/types"
)

type fakeAPI struct {
	calls int
	desc  *types.DevboxDescriptor
	err   *apierr.Error
}

func (f *fakeAPI) GetDevbox(ctx context.Context, name string) (*types.DevboxDescriptor, *apierr.Error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.desc, nil
}

func (f *fakeAPI) StartDevbox(ctx context.Context, name string) *apierr.Error    { return nil }
func (f *fakeAPI) PauseDevbox(ctx context.Context, name string) *apierr.Error    { return nil }
func (f *fakeAPI) RestartDevbox(ctx context.Context, name string) *apierr.Error  { return nil }
func (f *fakeAPI) ShutdownDevbox(ctx context.Context, name string) *apierr.Error { return nil }
func (f *fakeAPI) DeleteDevbox(ctx context.Context, name string) *apierr.Error   { return nil }

// §4.8 priority 1: agentServer.url, combined with the domain template, wins
// even when ports/podIP are also present.
func TestResolve_PrefersAgentServerURL(t *testing.T) {
	api := &fakeAPI{desc: &types.DevboxDescriptor{
		Status: "running",
		PodIP:  "10.0.0.5",
		AgentServer: &struct {
			URL   string `json:"url"`
			Token string `json:"token"`
		}{URL: "my-devbox", Token: "tok"},
	}}
	r := New(api, Config{AgentDomainTemplate: "http://%s.agents.internal:9757"})

	ep, err := r.Resolve(context.Background(), "my-devbox")
	require.Nil(t, err)
	assert.Equal(t, "http://my-devbox.agents.internal:9757", ep.BaseURL)
	assert.Equal(t, "tok", ep.Token)
}

// §4.8 priority 2/3: without agentServer, a ports[] address alone carries
// no token, so the devbox resolves to DEVBOX_NOT_READY.
func TestResolve_PortAddressWithoutAgentServerIsNotReady(t *testing.T) {
	api := &fakeAPI{desc: &types.DevboxDescriptor{
		Status: "running",
		Ports: []struct {
			PublicAddress  string `json:"publicAddress,omitempty"`
			PrivateAddress string `json:"privateAddress,omitempty"`
		}{
			{PrivateAddress: "10.0.0.9:3000"},
		},
	}}
	api.desc.AgentServer = nil
	// no token available anywhere: the descriptor only carries one under
	// agentServer.

	r := New(api, Config{})
	_, err := r.Resolve(context.Background(), "no-token")
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeDevboxNotReady, err.Code)
}

// §4.8 priority 4: a podIP alone likewise carries no token.
func TestResolve_PodIPWithoutAgentServerIsNotReady(t *testing.T) {
	api := &fakeAPI{desc: &types.DevboxDescriptor{Status: "running", PodIP: "10.0.0.5"}}
	r := New(api, Config{})

	_, err := r.Resolve(context.Background(), "pod-only")
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeDevboxNotReady, err.Code)
}

// DEVBOX_NOT_READY is raised when no usable base URL exists at all.
func TestResolve_NoAddressAnywhereReturnsDevboxNotReady(t *testing.T) {
	api := &fakeAPI{desc: &types.DevboxDescriptor{Status: "provisioning"}}
	r := New(api, Config{})

	_, err := r.Resolve(context.Background(), "empty")
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeDevboxNotReady, err.Code)
	assert.Equal(t, "provisioning", err.Context["status"])
}

// Cache hits avoid a second upstream call within the TTL window.
func TestResolve_CachesWithinTTL(t *testing.T) {
	api := &fakeAPI{desc: &types.DevboxDescriptor{
		Status: "running",
		AgentServer: &struct {
			URL   string `json:"url"`
			Token string `json:"token"`
		}{URL: "cached-box", Token: "tok"},
	}}
	r := New(api, Config{TTL: time.Hour})

	_, err := r.Resolve(context.Background(), "cached-box")
	require.Nil(t, err)
	_, err = r.Resolve(context.Background(), "cached-box")
	require.Nil(t, err)

	assert.Equal(t, 1, api.calls)
}

// A cache entry past its TTL is re-resolved against upstream rather than
// served stale.
func TestResolve_ReResolvesAfterTTLExpiry(t *testing.T) {
	api := &fakeAPI{desc: &types.DevboxDescriptor{
		Status: "running",
		AgentServer: &struct {
			URL   string `json:"url"`
			Token string `json:"token"`
		}{URL: "short-ttl", Token: "tok"},
	}}
	r := New(api, Config{TTL: time.Millisecond})

	_, err := r.Resolve(context.Background(), "short-ttl")
	require.Nil(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.Resolve(context.Background(), "short-ttl")
	require.Nil(t, err)

	assert.Equal(t, 2, api.calls)
}

// Invalidate drops a cached entry before its natural TTL expiry.
func TestInvalidate_ForcesNextResolveToHitUpstream(t *testing.T) {
	api := &fakeAPI{desc: &types.DevboxDescriptor{
		Status: "running",
		AgentServer: &struct {
			URL   string `json:"url"`
			Token string `json:"token"`
		}{URL: "invalidate-me", Token: "tok"},
	}}
	r := New(api, Config{TTL: time.Hour})

	_, err := r.Resolve(context.Background(), "invalidate-me")
	require.Nil(t, err)
	r.Invalidate("invalidate-me")
	_, err = r.Resolve(context.Background(), "invalidate-me")
	require.Nil(t, err)

	assert.Equal(t, 2, api.calls)
}

func TestResolve_PropagatesUpstreamError(t *testing.T) {
	api := &fakeAPI{err: apierr.New(apierr.CodeServiceUnavailable, "upstream down")}
	r := New(api, Config{})

	_, err := r.Resolve(context.Background(), "anything")
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeServiceUnavailable, err.Code)
}

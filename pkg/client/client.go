// Package client implements the per-devbox client façade (C10): one object
// per devbox name exposing the file/process/session/port operations of
// §4.2-§4.5 plus devbox lifecycle, built on the endpoint resolver (C8) and
// connection pool (C9). Every call resolves the devbox's agent endpoint,
// borrows a pooled transport, issues an HTTP request, decodes the §6.1
// envelope, and returns a typed result or a typed *apierr.Error — the same
// method-per-operation shape as the teacher's pkg/client/client.go, reworked
// from one gRPC dial per CLI invocation to many pooled HTTP connections
// shared across a long-lived SDK object.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/types"
	"github.com/cuemby/devboxd/pkg/pool"
	"github.com/cuemby/devboxd/pkg/resolver"
	"github.com/cuemby/devboxd/pkg/upstream"
)

// RetryConfig governs the operation-level retry discipline of §4.9: only
// the retryable subset of §7 error codes is retried, with exponential
// backoff capped at MaxDelay.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c *RetryConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// delay returns the backoff for the given (zero-based) attempt, factor 2,
// capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > c.MaxDelay {
			return c.MaxDelay
		}
	}
	return d
}

// Config configures a Client.
type Config struct {
	HTTPTimeout time.Duration
	Retry       RetryConfig
}

func (c *Config) setDefaults() {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	c.Retry.setDefaults()
}

// Client is the per-devbox façade. Construct one via New and reuse it for
// the devbox's lifetime; the resolver and pool passed in are shared across
// every Client an application builds, so their caches and pooled
// connections amortize across devboxes.
type Client struct {
	name     string
	cfg      Config
	resolver *resolver.Resolver
	pool     *pool.Pool
	upstream upstream.API
}

// New builds a façade for devbox name, sharing res/p/up with any other
// Client the caller constructs.
func New(name string, res *resolver.Resolver, p *pool.Pool, up upstream.API, cfg Config) *Client {
	cfg.setDefaults()
	return &Client{name: name, cfg: cfg, resolver: res, pool: p, upstream: up}
}

// Name returns the devbox name this façade targets.
func (c *Client) Name() string { return c.name }

// --- Lifecycle operations (proxied to the upstream cluster API, §4.10) ---

func (c *Client) Start(ctx context.Context) error    { return errOrNil(c.upstream.StartDevbox(ctx, c.name)) }
func (c *Client) Pause(ctx context.Context) error    { return errOrNil(c.upstream.PauseDevbox(ctx, c.name)) }
func (c *Client) Restart(ctx context.Context) error  { return errOrNil(c.upstream.RestartDevbox(ctx, c.name)) }
func (c *Client) Shutdown(ctx context.Context) error { return errOrNil(c.upstream.ShutdownDevbox(ctx, c.name)) }
func (c *Client) Delete(ctx context.Context) error   { return errOrNil(c.upstream.DeleteDevbox(ctx, c.name)) }

func errOrNil(e *apierr.Error) error {
	if e == nil {
		return nil
	}
	return e
}

// --- Files (§4.2) ---

// WriteFile writes data to path, creating parent directories when
// createDirs is set.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte, createDirs bool, mode uint32) error {
	body := map[string]any{
		"path":       path,
		"content":    base64.StdEncoding.EncodeToString(data),
		"createDirs": createDirs,
	}
	if mode != 0 {
		body["mode"] = mode
	}
	_, err := c.call(ctx, http.MethodPost, "/api/v1/files/write", body)
	return errOrNil(err)
}

// ReadFile reads path, optionally restricted to [offset, offset+length).
func (c *Client) ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	body := map[string]any{"path": path}
	if offset != 0 {
		body["offset"] = offset
	}
	if length != 0 {
		body["length"] = length
	}
	env, err := c.call(ctx, http.MethodPost, "/api/v1/files/read", body)
	if err != nil {
		return nil, err
	}
	s, _ := env.Data["content"].(string)
	data, decErr := base64.StdEncoding.DecodeString(s)
	if decErr != nil {
		return nil, apierr.New(apierr.CodeInternalError, "server returned non-base64 content")
	}
	return data, nil
}

// DeleteFile removes path; recursive allows deleting a non-empty directory.
func (c *Client) DeleteFile(ctx context.Context, path string, recursive bool) error {
	_, err := c.call(ctx, http.MethodPost, "/api/v1/files/delete", map[string]any{"path": path, "recursive": recursive})
	return errOrNil(err)
}

// MoveFile renames/moves from to to.
func (c *Client) MoveFile(ctx context.Context, from, to string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/v1/files/move", map[string]any{"from": from, "to": to})
	return errOrNil(err)
}

// RenameFile renames path to newName in place.
func (c *Client) RenameFile(ctx context.Context, path, newName string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/v1/files/rename", map[string]any{"path": path, "newName": newName})
	return errOrNil(err)
}

// ListFiles lists the directory entries at path (no implicit recursion).
func (c *Client) ListFiles(ctx context.Context, path string) ([]types.FileEntry, error) {
	ep, hc, rerr := c.transport(ctx)
	if rerr != nil {
		return nil, rerr
	}
	q := url.Values{"path": {path}}
	env, err := c.doWithRetry(ctx, hc, ep, http.MethodGet, "/api/v1/files/list?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(env.Data["entries"])
	var entries []types.FileEntry
	_ = json.Unmarshal(raw, &entries)
	return entries, nil
}

// Download streams the given paths back as a tar archive (§4.2 download).
func (c *Client) Download(ctx context.Context, paths []string) (io.ReadCloser, error) {
	ep, hc, rerr := c.transport(ctx)
	if rerr != nil {
		return nil, rerr
	}
	body, _ := json.Marshal(map[string]any{"paths": paths})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/api/v1/files/download", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.New(apierr.CodeInvalidRequest, "failed to build download request")
	}
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, doErr := hc.Do(req)
	if doErr != nil {
		return nil, apierr.New(apierr.CodeConnectionFailed, doErr.Error())
	}
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/x-tar" {
		defer resp.Body.Close()
		return nil, decodeErrorBody(resp)
	}
	return resp.Body, nil
}

// BatchUpload extracts a tar archive under the devbox workspace.
func (c *Client) BatchUpload(ctx context.Context, archive io.Reader) (*types.BatchUploadResult, error) {
	ep, hc, rerr := c.transport(ctx)
	if rerr != nil {
		return nil, rerr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/api/v1/files/batch-upload", archive)
	if err != nil {
		return nil, apierr.New(apierr.CodeInvalidRequest, "failed to build upload request")
	}
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	req.Header.Set("Content-Type", "application/x-tar")
	resp, doErr := hc.Do(req)
	if doErr != nil {
		return nil, apierr.New(apierr.CodeConnectionFailed, doErr.Error())
	}
	defer resp.Body.Close()
	var env types.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apierr.New(apierr.CodeInternalError, "malformed upload response")
	}
	if env.Status != 0 {
		return nil, apierr.New(apierr.Code(env.Status), env.Message)
	}
	raw, _ := json.Marshal(env.Data)
	var result types.BatchUploadResult
	_ = json.Unmarshal(raw, &result)
	return &result, nil
}

// --- Processes (§4.3) ---

// Exec spawns a process asynchronously and returns immediately.
func (c *Client) Exec(ctx context.Context, command string, args []string, opts ExecOptions) (id string, pid int, err error) {
	env, cerr := c.call(ctx, http.MethodPost, "/api/v1/process/exec", opts.body(command, args))
	if cerr != nil {
		return "", 0, cerr
	}
	id, _ = env.Data["id"].(string)
	pid = intOf(env.Data["pid"])
	return id, pid, nil
}

// ExecSync spawns a process and waits for it to exit or time out.
func (c *Client) ExecSync(ctx context.Context, command string, args []string, opts ExecOptions) (*types.ExecSyncResult, error) {
	env, cerr := c.call(ctx, http.MethodPost, "/api/v1/process/exec-sync", opts.body(command, args))
	if cerr != nil {
		return nil, cerr
	}
	return &types.ExecSyncResult{
		ExitCode:   intOf(env.Data["exitCode"]),
		Stdout:     strOf(env.Data["stdout"]),
		Stderr:     strOf(env.Data["stderr"]),
		DurationMs: int64(intOf(env.Data["durationMs"])),
		Pid:        intOf(env.Data["pid"]),
	}, nil
}

// StreamChunk is one incremental event from ExecSyncStream.
type StreamChunk struct {
	Level string
	Data  string
	Exit  *int
}

// ExecSyncStream opens the SSE stream of §6.2's sync-stream endpoint,
// delivering chunks on ch until the terminal exit event or ctx
// cancellation, which kills the remote process group (§5 cancellation).
func (c *Client) ExecSyncStream(ctx context.Context, command string, args []string, opts ExecOptions, ch chan<- StreamChunk) error {
	defer close(ch)
	ep, hc, rerr := c.transport(ctx)
	if rerr != nil {
		return rerr
	}
	body, _ := json.Marshal(opts.body(command, args))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/api/v1/process/sync-stream", bytes.NewReader(body))
	if err != nil {
		return apierr.New(apierr.CodeInvalidRequest, "failed to build stream request")
	}
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, doErr := hc.Do(req)
	if doErr != nil {
		return apierr.New(apierr.CodeConnectionFailed, doErr.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeErrorBody(resp)
	}

	scanner := newSSEScanner(resp.Body)
	for scanner.next() {
		var event map[string]any
		if err := json.Unmarshal(scanner.data(), &event); err != nil {
			continue
		}
		if ec, ok := event["exitCode"]; ok {
			n := intOf(ec)
			ch <- StreamChunk{Exit: &n}
			return nil
		}
		select {
		case ch <- StreamChunk{Level: strOf(event["level"]), Data: strOf(event["data"])}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.err()
}

// ProcessStatus returns a process's current status.
func (c *Client) ProcessStatus(ctx context.Context, id string) (*types.ProcessStatus, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/process/"+id+"/status", nil)
	if err != nil {
		return nil, err
	}
	return statusFromMap(env.Data), nil
}

// KillProcess sends signal (default SIGTERM) to id's process group.
func (c *Client) KillProcess(ctx context.Context, id, signal string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/v1/process/"+id+"/kill", map[string]any{"signal": signal})
	return errOrNil(err)
}

// ProcessLogs returns up to lines most recent log entries for id, filtered
// by levels.
func (c *Client) ProcessLogs(ctx context.Context, id string, lines int, levels []string) ([]types.LogLine, error) {
	return c.logs(ctx, "/api/v1/process/"+id+"/logs", lines, levels)
}

// ListProcesses enumerates all non-reaped process records.
func (c *Client) ListProcesses(ctx context.Context) ([]types.ProcessStatus, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/process/list", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(env.Data["processes"])
	var out []types.ProcessStatus
	_ = json.Unmarshal(raw, &out)
	return out, nil
}

// ExecOptions configures a process exec call.
type ExecOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

func (o ExecOptions) body(command string, args []string) map[string]any {
	b := map[string]any{"command": command, "args": args}
	if o.Cwd != "" {
		b["cwd"] = o.Cwd
	}
	if len(o.Env) > 0 {
		b["env"] = o.Env
	}
	if o.Timeout > 0 {
		b["timeoutSeconds"] = int(o.Timeout / time.Second)
	}
	return b
}

// --- Sessions (§4.4) ---

// CreateSession spawns a new interactive shell.
func (c *Client) CreateSession(ctx context.Context, shell, workingDir string, env map[string]string) (*types.SessionStatus, error) {
	body := map[string]any{"shell": shell, "workingDir": workingDir, "env": env}
	envelope, err := c.call(ctx, http.MethodPost, "/api/v1/sessions/create", body)
	if err != nil {
		return nil, err
	}
	return sessionStatusFromMap(envelope.Data), nil
}

// SessionExec runs command in session id's shell, serialized FIFO with any
// other concurrent callers against the same session (§3 I4).
func (c *Client) SessionExec(ctx context.Context, id, command string) (*types.ExecSyncResult, error) {
	env, err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+id+"/exec", map[string]any{"command": command})
	if err != nil {
		return nil, err
	}
	return &types.ExecSyncResult{
		ExitCode: intOf(env.Data["exitCode"]),
		Stdout:   strOf(env.Data["stdout"]),
		Stderr:   strOf(env.Data["stderr"]),
	}, nil
}

// SessionCd changes session id's working directory.
func (c *Client) SessionCd(ctx context.Context, id, path string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+id+"/cd", map[string]any{"path": path})
	return errOrNil(err)
}

// SessionUpdateEnv merges env into session id's environment.
func (c *Client) SessionUpdateEnv(ctx context.Context, id string, env map[string]string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+id+"/env", map[string]any{"env": env})
	return errOrNil(err)
}

// TerminateSession closes session id.
func (c *Client) TerminateSession(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+id+"/terminate", nil)
	return errOrNil(err)
}

// GetSession returns session id's descriptor.
func (c *Client) GetSession(ctx context.Context, id string) (*types.SessionStatus, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if err != nil {
		return nil, err
	}
	return sessionStatusFromMap(env.Data), nil
}

// ListSessions enumerates all sessions.
func (c *Client) ListSessions(ctx context.Context) ([]types.SessionStatus, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/sessions", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(env.Data["sessions"])
	var out []types.SessionStatus
	_ = json.Unmarshal(raw, &out)
	return out, nil
}

// SessionLogs returns up to lines most recent log entries for session id.
func (c *Client) SessionLogs(ctx context.Context, id string, lines int, levels []string) ([]types.LogLine, error) {
	return c.logs(ctx, "/api/v1/sessions/"+id+"/logs", lines, levels)
}

func (c *Client) logs(ctx context.Context, path string, lines int, levels []string) ([]types.LogLine, error) {
	ep, hc, rerr := c.transport(ctx)
	if rerr != nil {
		return nil, rerr
	}
	q := url.Values{}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	if len(levels) > 0 {
		q.Set("levels", strings.Join(levels, ","))
	}
	full := path
	if enc := q.Encode(); enc != "" {
		full += "?" + enc
	}
	env, err := c.doWithRetry(ctx, hc, ep, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(env.Data["logs"])
	var out []types.LogLine
	_ = json.Unmarshal(raw, &out)
	return out, nil
}

// --- Ports (§4.5) ---

// GetPorts returns the latest listening-port snapshot.
func (c *Client) GetPorts(ctx context.Context) (*types.PortSnapshot, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/ports", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(env.Data["ports"])
	var ports []types.PortEntry
	_ = json.Unmarshal(raw, &ports)
	snap := &types.PortSnapshot{Ports: ports}
	if ts := intOf(env.Data["lastUpdatedAt"]); ts != 0 {
		snap.LastUpdatedAt = time.Unix(int64(ts), 0)
	}
	return snap, nil
}

// --- plumbing ---

func (c *Client) transport(ctx context.Context) (resolver.Endpoint, *http.Client, *apierr.Error) {
	ep, err := c.resolver.Resolve(ctx, c.name)
	if err != nil {
		return resolver.Endpoint{}, nil, err
	}
	hc, err := c.pool.Borrow(ctx, c.name, ep.BaseURL)
	if err != nil {
		return resolver.Endpoint{}, nil, err
	}
	return ep, hc, nil
}

// call resolves, borrows, and issues a request with retry.
func (c *Client) call(ctx context.Context, method, path string, body any) (*types.Envelope, *apierr.Error) {
	ep, hc, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	return c.doWithRetry(ctx, hc, ep, method, path, body)
}

// doWithRetry issues the request, retrying only the retryable subset of §7
// error codes with exponential backoff (never a generic heuristic).
func (c *Client) doWithRetry(ctx context.Context, hc *http.Client, ep resolver.Endpoint, method, path string, body any) (*types.Envelope, *apierr.Error) {
	var lastErr *apierr.Error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.Retry.delay(attempt - 1)):
			case <-ctx.Done():
				return nil, apierr.New(apierr.CodeOperationTimeout, "context cancelled during retry backoff")
			}
		}
		env, err := c.doOnce(ctx, hc, ep, method, path, body)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !err.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, hc *http.Client, ep resolver.Endpoint, method, path string, body any) (*types.Envelope, *apierr.Error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HTTPTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		b, mErr := json.Marshal(body)
		if mErr != nil {
			return nil, apierr.New(apierr.CodeInvalidRequest, "failed to encode request body")
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL+path, reqBody)
	if err != nil {
		return nil, apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("invalid request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, doErr := hc.Do(req)
	if doErr != nil {
		return nil, apierr.New(apierr.CodeConnectionFailed, doErr.Error()).WithContext("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusInternalServerError {
		return nil, decodeErrorBody(resp)
	}

	var env types.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apierr.New(apierr.CodeInternalError, "malformed response envelope")
	}
	if env.Status != 0 {
		return nil, apierr.New(apierr.Code(env.Status), env.Message)
	}
	return &env, nil
}

func decodeErrorBody(resp *http.Response) *apierr.Error {
	var env types.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Status != 0 {
		return apierr.New(apierr.Code(env.Status), env.Message)
	}
	return apierr.New(apierr.CodeInternalError, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode))
}

func intOf(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func statusFromMap(m map[string]any) *types.ProcessStatus {
	st := &types.ProcessStatus{
		ID:         strOf(m["id"]),
		Pid:        intOf(m["pid"]),
		Command:    strOf(m["command"]),
		Cwd:        strOf(m["cwd"]),
		State:      types.ProcessState(strOf(m["state"])),
		StartedAt:  int64(intOf(m["startedAt"])),
		LastActive: int64(intOf(m["lastActive"])),
	}
	if ec, ok := m["exitCode"]; ok {
		n := intOf(ec)
		st.ExitCode = &n
	}
	return st
}

func sessionStatusFromMap(m map[string]any) *types.SessionStatus {
	env := map[string]string{}
	if raw, ok := m["env"].(map[string]any); ok {
		for k, v := range raw {
			env[k] = strOf(v)
		}
	}
	return &types.SessionStatus{
		ID:         strOf(m["id"]),
		Shell:      strOf(m["shell"]),
		Cwd:        strOf(m["cwd"]),
		Env:        env,
		State:      types.SessionState(strOf(m["state"])),
		CreatedAt:  int64(intOf(m["createdAt"])),
		LastActive: int64(intOf(m["lastActive"])),
	}
}

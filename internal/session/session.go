// Package session implements the session registry (C4): persistent
// interactive shells with their own cwd/env, dispatching commands through a
// sentinel-marker IPC protocol and a per-session FIFO queue (I4).
package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/log"
	"github.com/cuemby/devboxd/internal/logring"
	"github.com/cuemby/devboxd/internal/pathguard"
	"github.com/cuemby/devboxd/internal/types"
)

// Emitter receives session log lines for fan-out to C6 subscribers.
type Emitter interface {
	Emit(targetKind, targetID string, line types.LogLine)
}

const ringCapacity = 2000

// command is one queued request; the session's worker goroutine drains the
// queue strictly in submission order, so concurrent callers never interleave
// on the shell's stdin (I4).
type command struct {
	text  string
	reply chan commandResult
}

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      *apierr.Error
}

// Session is a single persistent interactive shell.
type Session struct {
	ID        string
	ShellPath string
	CreatedAt time.Time

	mu    sync.Mutex
	cwd   string
	env   map[string]string
	state types.SessionState

	lastActive atomicTime

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdoutR *bufio.Reader
	stderrR *bufio.Reader

	// nextSeq is shared by outRing and errRing so sequence numbers stay
	// monotonic across both streams (§3, I3, P2).
	nextSeq uint64
	outRing *logring.Ring
	errRing *logring.Ring

	queue  chan *command
	closed chan struct{}
}

type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// Status returns a public descriptor of the session's current state.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := make(map[string]string, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}
	return types.SessionStatus{
		ID:         s.ID,
		Shell:      s.ShellPath,
		Cwd:        s.cwd,
		Env:        env,
		State:      s.state,
		CreatedAt:  s.CreatedAt.Unix(),
		LastActive: s.lastActive.get().Unix(),
	}
}

// Registry tracks every live session for the lifetime of the agent.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	emitter  Emitter
	guard    *pathguard.Guard
	graceMs  time.Duration
}

// Config configures a Registry.
type Config struct {
	// GraceMs is how long terminate() waits after SIGTERM before SIGKILL.
	GraceMs time.Duration
}

// New builds a Registry confined to guard's workspace root.
func New(guard *pathguard.Guard, emitter Emitter, cfg Config) *Registry {
	if cfg.GraceMs <= 0 {
		cfg.GraceMs = 3 * time.Second
	}
	return &Registry{
		sessions: make(map[string]*Session),
		emitter:  emitter,
		guard:    guard,
		graceMs:  cfg.GraceMs,
	}
}

// CreateOptions configure Create.
type CreateOptions struct {
	Shell      string
	WorkingDir string
	Env        map[string]string
}

// Create spawns a shell with the given env and initial cwd, and returns its
// session id.
func (reg *Registry) Create(opts CreateOptions) (*Session, *apierr.Error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cwd := opts.WorkingDir
	if cwd == "" {
		cwd = reg.guard.Root()
	} else {
		abs, perr := reg.guard.Resolve(cwd)
		if perr != nil {
			return nil, perr
		}
		cwd = abs
	}

	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}
	cmd.Env = mergeEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apierr.Newf(apierr.CodeInternalError, "failed to create stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apierr.Newf(apierr.CodeInternalError, "failed to create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apierr.Newf(apierr.CodeInternalError, "failed to create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apierr.Newf(apierr.CodeInternalError, "failed to start shell: %v", err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		ShellPath: shell,
		CreatedAt: time.Now(),
		cwd:       cwd,
		env:       env,
		state:     types.SessionActive,
		cmd:       cmd,
		stdin:     stdin,
		stdoutR:   bufio.NewReader(stdout),
		stderrR:   bufio.NewReader(stderr),
		outRing:   logring.NewRing(ringCapacity),
		errRing:   logring.NewRing(ringCapacity),
		queue:     make(chan *command, 64),
		closed:    make(chan struct{}),
	}
	s.lastActive.set(s.CreatedAt)

	// Drain stderr continuously and in parallel with command dispatch, as
	// the design note requires.
	go reg.drainStderr(s)
	go reg.worker(s)
	go reg.watchExit(s)

	reg.mu.Lock()
	reg.sessions[s.ID] = s
	reg.mu.Unlock()

	log.WithSession(s.ID).Debug().Str("shell", shell).Str("cwd", cwd).Msg("session created")
	return s, nil
}

// Exec enqueues command text and blocks until it completes (or the session
// terminates), returning the captured stdout and exit code. Stderr is not
// captured per command: the result's Stderr is always empty, and the
// shell's stderr lines reach only the session's log ring and emitter.
func (reg *Registry) Exec(id, text string) (types.ExecSyncResult, *apierr.Error) {
	s, err := reg.get(id)
	if err != nil {
		return types.ExecSyncResult{}, err
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != types.SessionActive {
		return types.ExecSyncResult{}, apierr.New(apierr.CodeSessionTerminated, "session is not active").WithContext("id", id)
	}

	reply := make(chan commandResult, 1)
	select {
	case s.queue <- &command{text: text, reply: reply}:
	case <-s.closed:
		return types.ExecSyncResult{}, apierr.New(apierr.CodeSessionTerminated, "session terminated").WithContext("id", id)
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return types.ExecSyncResult{}, res.err
		}
		return types.ExecSyncResult{ExitCode: res.exitCode, Stdout: res.stdout, Stderr: res.stderr}, nil
	case <-s.closed:
		return types.ExecSyncResult{}, apierr.New(apierr.CodeSessionTerminated, "session terminated").WithContext("id", id)
	}
}

// Cd resolves path against the session's current cwd and the workspace
// root, then updates both the stored cwd and the live shell.
func (reg *Registry) Cd(id, path string) *apierr.Error {
	s, err := reg.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	base := s.cwd
	s.mu.Unlock()

	abs, perr := reg.guard.ResolveUnder(base, path)
	if perr != nil {
		return perr
	}

	if _, execErr := reg.Exec(id, fmt.Sprintf("cd %s", shellQuote(abs))); execErr != nil {
		return execErr
	}

	s.mu.Lock()
	s.cwd = abs
	s.mu.Unlock()
	return nil
}

// UpdateEnv merges env into the session's stored env and exports the
// updated variables into the running shell.
func (reg *Registry) UpdateEnv(id string, env map[string]string) *apierr.Error {
	s, err := reg.get(id)
	if err != nil {
		return err
	}

	var exportCmd string
	for k, v := range env {
		exportCmd += fmt.Sprintf("export %s=%s\n", k, shellQuote(v))
	}
	if exportCmd != "" {
		if _, execErr := reg.Exec(id, exportCmd); execErr != nil {
			return execErr
		}
	}

	s.mu.Lock()
	for k, v := range env {
		s.env[k] = v
	}
	s.mu.Unlock()
	return nil
}

// Terminate closes the shell's stdin, sends SIGTERM, waits graceMs, then
// SIGKILL, marking the session terminated.
func (reg *Registry) Terminate(id string) *apierr.Error {
	s, err := reg.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == types.SessionTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = types.SessionTerminating
	s.mu.Unlock()

	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)
	}

	select {
	case <-s.closed:
	case <-time.After(reg.graceMs):
		if s.cmd.Process != nil {
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		}
		<-s.closed
	}
	return nil
}

// Get returns id's current descriptor.
func (reg *Registry) Get(id string) (types.SessionStatus, *apierr.Error) {
	s, err := reg.get(id)
	if err != nil {
		return types.SessionStatus{}, err
	}
	return s.Status(), nil
}

// List enumerates every known session, including terminated ones until the
// agent restarts.
func (reg *Registry) List() []types.SessionStatus {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]types.SessionStatus, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		out = append(out, s.Status())
	}
	return out
}

// Logs returns up to `lines` most recent entries for id, filtered by level,
// merged across stdout and stderr in the single shared sequence order they
// were emitted in (§3, I3).
func (reg *Registry) Logs(id string, lines int, levels []types.LogLevel) ([]types.LogLine, *apierr.Error) {
	s, err := reg.get(id)
	if err != nil {
		return nil, err
	}
	filter := levelSet(levels)
	var all []types.LogLine
	all = append(all, s.outRing.All(filter)...)
	all = append(all, s.errRing.All(filter)...)
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	if lines > 0 && lines < len(all) {
		all = all[len(all)-lines:]
	}
	return all, nil
}

func (reg *Registry) get(id string) (*Session, *apierr.Error) {
	reg.mu.RLock()
	s, ok := reg.sessions[id]
	reg.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "session not found").WithContext("id", id)
	}
	return s, nil
}

// worker is the single goroutine that drains a session's command queue,
// guaranteeing FIFO serialization onto the shell's stdin (I4).
func (reg *Registry) worker(s *Session) {
	var seq int
	for {
		select {
		case cmd, ok := <-s.queue:
			if !ok {
				return
			}
			seq++
			cmd.reply <- reg.dispatch(s, cmd.text, seq)
		case <-s.closed:
			reg.drainQueueOnClose(s)
			return
		}
	}
}

func (reg *Registry) drainQueueOnClose(s *Session) {
	for {
		select {
		case cmd := <-s.queue:
			cmd.reply <- commandResult{err: apierr.New(apierr.CodeSessionTerminated, "session terminated")}
		default:
			return
		}
	}
}

// dispatch writes text to the shell with a trailing sentinel marker, then
// reads stdout until the marker line appears, capturing the exit code it
// carries. stderr is drained continuously by a separate goroutine
// (drainStderr) rather than here, as the two streams are not interleaved
// on a pty-less pipe pair.
func (reg *Registry) dispatch(s *Session, text string, seq int) commandResult {
	marker := fmt.Sprintf("__DEVBOXD_END_%d__", seq)
	payload := fmt.Sprintf("%s\necho \"%s$?__\"\n", text, marker)

	if _, err := io.WriteString(s.stdin, payload); err != nil {
		return commandResult{err: apierr.New(apierr.CodeSessionTerminated, "failed to write to shell").WithContext("cause", err.Error())}
	}

	var stdout string
	exitCode := 0
	for {
		line, err := s.stdoutR.ReadString('\n')
		trimmed := trimNewline(line)
		if trimmed != "" {
			if m := matchMarker(trimmed, marker); m >= 0 {
				exitCode = m
				now := time.Now()
				s.lastActive.set(now)
				break
			}
			reg.emitLine(s, types.LevelStdout, trimmed)
			stdout += trimmed + "\n"
		}
		if err != nil {
			return commandResult{err: apierr.New(apierr.CodeSessionTerminated, "shell closed before completion")}
		}
	}
	return commandResult{stdout: stdout, exitCode: exitCode}
}

// matchMarker returns the exit code carried by a marker line of the form
// "<marker><code>__", or -1 if line isn't a marker line.
func matchMarker(line, marker string) int {
	if !strings.HasPrefix(line, marker) || !strings.HasSuffix(line, "__") {
		return -1
	}
	codeStr := strings.TrimSuffix(strings.TrimPrefix(line, marker), "__")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return -1
	}
	return code
}

func (reg *Registry) drainStderr(s *Session) {
	for {
		line, err := s.stderrR.ReadString('\n')
		trimmed := trimNewline(line)
		if trimmed != "" {
			reg.emitLine(s, types.LevelStderr, trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (reg *Registry) watchExit(s *Session) {
	_ = s.cmd.Wait()
	s.mu.Lock()
	s.state = types.SessionTerminated
	s.mu.Unlock()
	close(s.closed)
	log.WithSession(s.ID).Debug().Msg("session shell exited")
}

func (reg *Registry) emitLine(s *Session, level types.LogLevel, content string) {
	ring := s.outRing
	if level == types.LevelStderr {
		ring = s.errRing
	}
	seq := atomic.AddUint64(&s.nextSeq, 1) - 1
	line := ring.Append(level, content, time.Now().UnixNano(), seq)
	if reg.emitter != nil {
		reg.emitter.Emit("session", s.ID, line)
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func levelSet(levels []types.LogLevel) map[types.LogLevel]bool {
	if len(levels) == 0 {
		return nil
	}
	m := make(map[types.LogLevel]bool, len(levels))
	for _, l := range levels {
		m[l] = true
	}
	return m
}

func mergeEnv(overrides map[string]string) []string {
	out := append([]string{}, os.Environ()...)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

package agentserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/metrics"
	"github.com/cuemby/devboxd/internal/process"
	"github.com/cuemby/devboxd/internal/types"
)

type execRequest struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	TimeoutSec int               `json:"timeoutSeconds"`
}

func (r execRequest) options() process.ExecOptions {
	opts := process.ExecOptions{Cwd: r.Cwd, Env: r.Env}
	if r.TimeoutSec > 0 {
		opts.Timeout = time.Duration(r.TimeoutSec) * time.Second
	}
	return opts
}

func (s *Server) handleProcessExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	metrics.ProcessExecsTotal.WithLabelValues("async").Inc()
	rec, err := s.processes.Exec(req.Command, req.Args, req.options())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"id": rec.ID, "pid": rec.Pid})
}

func (s *Server) handleProcessExecSync(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	metrics.ProcessExecsTotal.WithLabelValues("sync").Inc()

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline(req.TimeoutSec))
	defer cancel()

	res, err := s.processes.ExecSync(ctx, req.Command, req.Args, req.options())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"exitCode":   res.ExitCode,
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
		"durationMs": res.DurationMs,
		"pid":        res.Pid,
	})
}

func requestDeadline(timeoutSec int) time.Duration {
	if timeoutSec > 0 {
		return time.Duration(timeoutSec) * time.Second
	}
	return 30 * time.Second
}

// handleProcessExecSyncStream streams stdout/stderr chunks as they arrive
// using a chunked text/event-stream response, matching §6.2's "SSE stream"
// description of POST /api/v1/process/sync-stream.
func (s *Server) handleProcessExecSyncStream(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	metrics.ProcessExecsTotal.WithLabelValues("stream").Inc()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, apierr.New(apierr.CodeInternalError, "streaming unsupported by this transport"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if req.TimeoutSec > 0 {
		ctx, cancel = context.WithTimeout(r.Context(), time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	ch := make(chan process.StreamChunk, 64)
	if _, err := s.processes.ExecSyncStream(ctx, req.Command, req.Args, req.options(), ch); err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	for chunk := range ch {
		event := map[string]any{}
		if chunk.Exit != nil {
			event["exitCode"] = *chunk.Exit
		} else {
			event["level"] = chunk.Level
			event["data"] = chunk.Data
		}
		b, _ := json.Marshal(event)
		fmt.Fprintf(bw, "data: %s\n\n", b)
		bw.Flush()
		flusher.Flush()
	}
}

func (s *Server) handleProcessStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.processes.Status(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, statusToMap(status))
}

type killRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req killRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Signal == "" {
		req.Signal = "SIGTERM"
	}
	metrics.ProcessKillsTotal.Inc()
	if err := s.processes.Kill(id, req.Signal); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"id": id})
}

func (s *Server) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, levels := parseLogQuery(r)
	logLines, err := s.processes.Logs(id, lines, levels)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"logs": logLines})
}

func (s *Server) handleProcessList(w http.ResponseWriter, r *http.Request) {
	statuses := s.processes.List()
	out := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, statusToMap(st))
	}
	writeOK(w, map[string]any{"processes": out})
}

func statusToMap(st types.ProcessStatus) map[string]any {
	m := map[string]any{
		"id":         st.ID,
		"pid":        st.Pid,
		"command":    st.Command,
		"cwd":        st.Cwd,
		"state":      st.State,
		"startedAt":  st.StartedAt,
		"lastActive": st.LastActive,
	}
	if st.ExitCode != nil {
		m["exitCode"] = *st.ExitCode
	}
	return m
}

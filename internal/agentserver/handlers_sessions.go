package agentserver

import (
	"net/http"

	"github.com/cuemby/devboxd/internal/metrics"
	"github.com/cuemby/devboxd/internal/session"
	"github.com/cuemby/devboxd/internal/types"
)

type createSessionRequest struct {
	Shell      string            `json:"shell"`
	WorkingDir string            `json:"workingDir"`
	Env        map[string]string `json:"env"`
}

func (s *Server) handleSessionsCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.sessions.Create(session.CreateOptions{Shell: req.Shell, WorkingDir: req.WorkingDir, Env: req.Env})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, sessionStatusToMap(sess.Status()))
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	statuses := s.sessions.List()
	out := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, sessionStatusToMap(st))
	}
	writeOK(w, map[string]any{"sessions": out})
}

func (s *Server) handleSessionsGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.sessions.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, sessionStatusToMap(st))
}

type sessionEnvRequest struct {
	Env map[string]string `json:"env"`
}

func (s *Server) handleSessionsEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sessionEnvRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.sessions.UpdateEnv(id, req.Env); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"id": id})
}

type sessionExecRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleSessionsExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sessionExecRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	metrics.SessionExecsTotal.Inc()
	res, err := s.sessions.Exec(id, req.Command)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"exitCode": res.ExitCode,
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
	})
}

type sessionCdRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleSessionsCd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sessionCdRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.sessions.Cd(id, req.Path); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"id": id})
}

func (s *Server) handleSessionsTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Terminate(id); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"id": id})
}

func (s *Server) handleSessionsLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, levels := parseLogQuery(r)
	logLines, err := s.sessions.Logs(id, lines, levels)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"logs": logLines})
}

func sessionStatusToMap(st types.SessionStatus) map[string]any {
	return map[string]any{
		"id":         st.ID,
		"shell":      st.Shell,
		"cwd":        st.Cwd,
		"env":        st.Env,
		"state":      st.State,
		"createdAt":  st.CreatedAt,
		"lastActive": st.LastActive,
	}
}

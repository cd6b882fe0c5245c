package agentserver

import (
	"encoding/base64"
	"io/fs"
	"net/http"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/files"
	"github.com/cuemby/devboxd/internal/metrics"
)

func observeFileOp(op string, err *apierr.Error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.FileOpsTotal.WithLabelValues(op, outcome).Inc()
}

type writeRequest struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Encoding   string `json:"encoding"`
	Mode       uint32 `json:"mode"`
	CreateDirs bool   `json:"createDirs"`
}

func (s *Server) handleFilesWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decodeBody(r, &req); err != nil {
		observeFileOp("write", err)
		writeErr(w, err)
		return
	}
	data, decErr := base64.StdEncoding.DecodeString(req.Content)
	if decErr != nil {
		err := apierr.New(apierr.CodeInvalidRequest, "content must be base64-encoded")
		observeFileOp("write", err)
		writeErr(w, err)
		return
	}
	err := s.files.Write(req.Path, data, files.WriteOptions{CreateDirs: req.CreateDirs, Mode: fs.FileMode(req.Mode)})
	observeFileOp("write", err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"path": req.Path})
}

type readRequest struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

func (s *Server) handleFilesRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := decodeBody(r, &req); err != nil {
		observeFileOp("read", err)
		writeErr(w, err)
		return
	}
	data, err := s.files.Read(req.Path, files.ReadOptions{Offset: req.Offset, Length: req.Length})
	observeFileOp("read", err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"path":    req.Path,
		"content": base64.StdEncoding.EncodeToString(data),
	})
}

type deleteRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (s *Server) handleFilesDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		observeFileOp("delete", err)
		writeErr(w, err)
		return
	}
	err := s.files.Delete(req.Path, req.Recursive)
	observeFileOp("delete", err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"path": req.Path})
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleFilesMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		observeFileOp("move", err)
		writeErr(w, err)
		return
	}
	err := s.files.Move(req.From, req.To)
	observeFileOp("move", err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"from": req.From, "to": req.To})
}

type renameRequest struct {
	Path    string `json:"path"`
	NewName string `json:"newName"`
}

func (s *Server) handleFilesRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeBody(r, &req); err != nil {
		observeFileOp("rename", err)
		writeErr(w, err)
		return
	}
	err := s.files.Rename(req.Path, req.NewName)
	observeFileOp("rename", err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"path": req.Path, "newName": req.NewName})
}

func (s *Server) handleFilesList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := s.files.List(path)
	observeFileOp("list", err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"entries": entries})
}

type downloadRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleFilesDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(r, &req); err != nil {
		observeFileOp("download", err)
		writeErr(w, err)
		return
	}
	// Path validation happens before any archive bytes are written, so a
	// failure here still has a chance to produce a normal error envelope;
	// a failure mid-stream (disk error partway through a large tree) just
	// truncates the tar body, which callers detect the ordinary way (a tar
	// that doesn't end in two zero blocks).
	w.Header().Set("Content-Type", "application/x-tar")
	err := s.files.Download(req.Paths, w)
	observeFileOp("download", err)
	if err != nil {
		writeErr(w, err)
	}
}

func (s *Server) handleFilesBatchUpload(w http.ResponseWriter, r *http.Request) {
	const defaultTotalSizeLimit = 1 << 30 // 1 GiB
	result, err := s.files.BatchUpload(r.Body, defaultTotalSizeLimit)
	observeFileOp("batch-upload", err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"extracted": result.Extracted,
		"rejected":  result.Rejected,
	})
}

// Package types holds the wire-level data transfer objects shared by the
// agent HTTP/WS surface and the client SDK's envelope decoder.
package types

import (
	"encoding/json"
	"time"
)

// Envelope is the uniform JSON wrapper every agent response shares (§6.1).
// Status 0 means success; non-zero is an error code from the taxonomy.
// Data fields are inlined alongside status/message rather than nested, so
// MarshalJSON/UnmarshalJSON merge them by hand.
type Envelope struct {
	Status  int            `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"-"`
}

// MarshalJSON flattens Data into the same object as status/message.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["status"] = e.Status
	if e.Message != "" {
		out["message"] = e.Message
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits status/message back out, leaving everything else in
// Data.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	raw := make(map[string]any)
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if status, ok := raw["status"]; ok {
		if f, ok := status.(float64); ok {
			e.Status = int(f)
		}
		delete(raw, "status")
	}
	if msg, ok := raw["message"]; ok {
		if s, ok := msg.(string); ok {
			e.Message = s
		}
		delete(raw, "message")
	}
	e.Data = raw
	return nil
}

// FileEntry is a single directory listing result (§3 File entry).
type FileEntry struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"` // file | directory | symlink
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mode  uint32 `json:"mode"`
}

const (
	KindFile      = "file"
	KindDirectory = "directory"
	KindSymlink   = "symlink"
)

// LogLevel identifies the stream a log line came from.
type LogLevel string

const (
	LevelStdout LogLevel = "stdout"
	LevelStderr LogLevel = "stderr"
	LevelSystem LogLevel = "system"
)

// LogLine is a single timestamped, sequenced entry in a process or session
// ring (§3, I3).
type LogLine struct {
	Level     LogLevel `json:"level"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Sequence  uint64   `json:"sequence"`
}

// ProcessState is the process registry's state machine (§4.3).
type ProcessState string

const (
	ProcessStarting      ProcessState = "starting"
	ProcessRunning       ProcessState = "running"
	ProcessExited        ProcessState = "exited"
	ProcessKilled        ProcessState = "killed"
	ProcessFailedToStart ProcessState = "failed-to-start"
)

// ProcessStatus is the public status(id) view of a process record.
type ProcessStatus struct {
	ID         string       `json:"id"`
	Pid        int          `json:"pid"`
	Command    string       `json:"command"`
	Cwd        string       `json:"cwd"`
	State      ProcessState `json:"state"`
	ExitCode   *int         `json:"exitCode,omitempty"`
	StartedAt  int64        `json:"startedAt"`
	LastActive int64        `json:"lastActive"`
}

// ExecSyncResult is returned by execSync and by session exec; the terminal
// event of execSyncStream carries only the exit code.
type ExecSyncResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Pid        int    `json:"pid"`
}

// SessionState is the session registry's lifecycle state (§4.4).
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionTerminating SessionState = "terminating"
	SessionTerminated  SessionState = "terminated"
)

// SessionStatus is the public get/list view of a session record.
type SessionStatus struct {
	ID         string            `json:"id"`
	Shell      string            `json:"shell"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	State      SessionState      `json:"state"`
	CreatedAt  int64             `json:"createdAt"`
	LastActive int64             `json:"lastActive"`
}

// PortEntry is one listening TCP port as observed by the port monitor.
type PortEntry struct {
	Port  int    `json:"port"`
	Proto string `json:"proto"`
}

// PortSnapshot is the port monitor's published snapshot (§4.5).
type PortSnapshot struct {
	Ports         []PortEntry `json:"ports"`
	LastUpdatedAt time.Time   `json:"lastUpdatedAt"`
}

// BatchUploadResult is the client-side decode of a batch-upload response,
// mirroring internal/files.UploadResult's per-entry outcome shape (§4.2).
type BatchUploadResult struct {
	Extracted []string          `json:"extracted"`
	Rejected  map[string]string `json:"rejected"`
}

// DevboxDescriptor is what the upstream cluster API's GetDevbox call
// returns (§6.4), consumed by the endpoint resolver.
type DevboxDescriptor struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	PodIP  string `json:"podIP,omitempty"`
	Ports  []struct {
		PublicAddress  string `json:"publicAddress,omitempty"`
		PrivateAddress string `json:"privateAddress,omitempty"`
	} `json:"ports,omitempty"`
	AgentServer *struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	} `json:"agentServer,omitempty"`
}

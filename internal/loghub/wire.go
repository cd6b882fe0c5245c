package loghub

import "github.com/cuemby/devboxd/internal/types"

// inMessage is a client -> hub WebSocket frame (§4.6).
type inMessage struct {
	Action   string `json:"action"`
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
	Options  struct {
		Levels []string `json:"levels"`
		Tail   int      `json:"tail"`
	} `json:"options"`
}

// logMessage is a hub -> client log delivery frame.
type logMessage struct {
	Type      string        `json:"type"`
	DataType  string        `json:"dataType"`
	TargetID  string        `json:"targetId"`
	Log       types.LogLine `json:"log"`
	IsHistory bool          `json:"isHistory"`
}

// ackMessage acknowledges a subscribe/unsubscribe.
type ackMessage struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	DataType string `json:"dataType,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

// listMessage answers an "action":"list" request.
type listMessage struct {
	Type          string               `json:"type"`
	Subscriptions []SubscriptionDigest `json:"subscriptions"`
}

// SubscriptionDigest is the public shape of a subscription returned by list.
type SubscriptionDigest struct {
	DataType  string `json:"dataType"`
	TargetID  string `json:"targetId"`
	CreatedAt int64  `json:"createdAt"`
}

// errMessage carries a §7 error code over the wire.
type errMessage struct {
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

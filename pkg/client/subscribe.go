package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/types"
)

// LogEvent is a single delivery from a Subscribe stream: either a log
// entry (IsHistory distinguishes replay from live, per §4.6) or a
// terminal error.
type LogEvent struct {
	Log       types.LogLine
	IsHistory bool
	Err       *apierr.Error
}

// Subscribe opens the agent's WebSocket log stream and subscribes to
// targetKind/targetID with the given level filter and replay depth,
// delivering events on the returned channel until ctx is cancelled. The
// channel is closed when the connection ends.
func (c *Client) Subscribe(ctx context.Context, targetKind, targetID string, levels []string, tail int) (<-chan LogEvent, error) {
	ep, _, rerr := c.transport(ctx)
	if rerr != nil {
		return nil, rerr
	}

	wsURL, err := wsURLFor(ep.BaseURL)
	if err != nil {
		return nil, apierr.New(apierr.CodeInvalidRequest, err.Error())
	}

	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + ep.Token}
	conn, _, dialErr := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if dialErr != nil {
		return nil, apierr.New(apierr.CodeConnectionFailed, dialErr.Error())
	}

	sub := map[string]any{
		"action":   "subscribe",
		"type":     targetKind,
		"targetId": targetID,
		"options": map[string]any{
			"levels": levels,
			"tail":   tail,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, apierr.New(apierr.CodeConnectionFailed, err.Error())
	}

	out := make(chan LogEvent, 64)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			var msg struct {
				Type      string        `json:"type"`
				DataType  string        `json:"dataType"`
				TargetID  string        `json:"targetId"`
				Log       types.LogLine `json:"log"`
				IsHistory bool          `json:"isHistory"`
				Status    int           `json:"status"`
				Message   string        `json:"message"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "log":
				out <- LogEvent{Log: msg.Log, IsHistory: msg.IsHistory}
			case "error":
				out <- LogEvent{Err: apierr.New(apierr.Code(msg.Status), msg.Message)}
				return
			}
		}
	}()
	return out, nil
}

// wsURLFor derives the agent's /ws URL from its HTTP base URL. Callers end
// a subscription by cancelling ctx; the agent observes the resulting
// disconnect and reaps the subscription synchronously (§5).
func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

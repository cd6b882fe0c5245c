package agentserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/devboxd/internal/types"
)

// parseLogQuery reads ?lines=&levels= off a GET logs request, matching
// §6.2's query-string shape for both process and session log endpoints.
func parseLogQuery(r *http.Request) (int, []types.LogLevel) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	var levels []types.LogLevel
	if v := r.URL.Query().Get("levels"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part != "" {
				levels = append(levels, types.LogLevel(part))
			}
		}
	}
	return lines, levels
}

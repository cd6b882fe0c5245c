package agentserver

import "net/http"

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	snap := s.ports.Ports()
	writeOK(w, map[string]any{
		"ports":         snap.Ports,
		"lastUpdatedAt": snap.LastUpdatedAt.Unix(),
	})
}

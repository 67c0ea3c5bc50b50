package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if s.turn != nil {
		minted, err := s.withTURNCredentials(servers)
		if err != nil {
			s.log.Error("failed to issue turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue turn credentials"})
			return
		}
		servers = minted
		// Credentials are per response.
		w.Header().Set("Cache-Control", "no-store")
	}
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// withTURNCredentials returns a copy of servers where every TURN entry
// carries one freshly issued username/credential pair.
func (s *Server) withTURNCredentials(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var issued bool
	var username, credential string
	for i := range out {
		if !config.HasTURNURL(out[i]) {
			continue
		}
		if !issued {
			creds, err := s.turn.Issue("")
			if err != nil {
				return nil, err
			}
			username, credential = creds.Username, creds.Credential
			issued = true
		}
		out[i].Username = username
		out[i].Credential = credential
	}
	return out, nil
}

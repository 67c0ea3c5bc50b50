package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "SIGNAL_RELAY_ICE_SERVERS_JSON"

	envStunURLs       = "SIGNAL_RELAY_STUN_URLS"
	envTurnURLs       = "SIGNAL_RELAY_TURN_URLS"
	envTurnUsername   = "SIGNAL_RELAY_TURN_USERNAME"
	envTurnCredential = "SIGNAL_RELAY_TURN_CREDENTIAL"
)

// DefaultSTUNURL is used when no ICE servers are configured at all.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
}

// parseICEServersFromValues prefers the JSON list, where "[]" means no
// servers. With nothing configured the default STUN server is returned.
// When mintTURN is set, TURN entries may omit credentials; they are issued
// per request instead.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, mintTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := parseICEServersJSON(raw, mintTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	if strings.TrimSpace(stunURLs) == "" && strings.TrimSpace(turnURLs) == "" {
		return DefaultICEServers(), nil
	}

	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		server, err := STUNServer(stun)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}
	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		username := strings.TrimSpace(turnUsername)
		credential := strings.TrimSpace(turnCredential)
		if !mintTURN && (username == "" || credential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: username}
		if credential != "" {
			server.Credential = credential
		}
		if err := validateICEServer(server, mintTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// STUNServer groups urls into one credential-less server entry.
func STUNServer(urls []string) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{URLs: urls}
	if err := validateICEServer(server, false); err != nil {
		return webrtc.ICEServer{}, err
	}
	return server, nil
}

// iceServerEntry mirrors the browser RTCIceServer dictionary, where "urls"
// may be a single string or a list.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or a list of strings")
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses and validates a JSON array of RTCIceServer
// objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, mintTURN bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(entry.URLs, ",")),
			Username: strings.TrimSpace(entry.Username),
		}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, mintTURN); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, mintTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCredentials := false
	for _, u := range server.URLs {
		switch iceScheme(u) {
		case "stun", "stuns":
		case "turn", "turns":
			needsCredentials = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !needsCredentials || mintTURN {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); cred == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

func iceScheme(u string) string {
	scheme, _, ok := strings.Cut(u, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// HasTURNURL reports whether server lists any turn: or turns: URL.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		switch iceScheme(u) {
		case "turn", "turns":
			return true
		}
	}
	return false
}

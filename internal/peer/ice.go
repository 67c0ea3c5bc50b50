package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pion/webrtc/v4"
)

const maxICEConfigBytes = 64 * 1024

type iceConfigResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// FetchICEServers loads {"iceServers":[...]} from url, the shape served by
// the relay's /webrtc/ice endpoint.
func FetchICEServers(ctx context.Context, client *http.Client, url string) ([]webrtc.ICEServer, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ice config request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ice config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice config bad status: %s", resp.Status)
	}

	var wire iceConfigResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEConfigBytes)).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode ice config: %w", err)
	}
	return wire.ICEServers, nil
}

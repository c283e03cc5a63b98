package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kelgrand/agentstream/internal/state"
)

// HTTPBackfiller fetches persisted messages over the REST surface, for
// consumers running outside the daemon process.
type HTTPBackfiller struct {
	BaseURL string
	Client  *http.Client
}

func (b *HTTPBackfiller) ListMessagesSince(ctx context.Context, agentID string, since int64) ([]state.Message, error) {
	url := fmt.Sprintf("%s/api/agents/%s/messages?since=%d", strings.TrimRight(b.BaseURL, "/"), agentID, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	httpClient := b.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch messages for agent %s: %s", agentID, resp.Status)
	}
	var msgs []state.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode messages for agent %s: %w", agentID, err)
	}
	return msgs, nil
}

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// HTTPSource fetches raw failure material from the forge adapter, which
// collects workflow logs, the merge-base diff, and test output for a run.
type HTTPSource struct {
	URL   string
	Token string

	// Client defaults to a client with a 1 minute timeout.
	Client *http.Client
}

func (s *HTTPSource) Fetch(ctx context.Context, ev runtime.FailureEvent) (*RawFailure, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("forge source: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forge source: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forge source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forge source: %s returned %s", s.URL, resp.Status)
	}

	var raw RawFailure
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("forge source: decode: %w", err)
	}
	return &raw, nil
}

// Package notify implements the best-effort failure-reporting collaborator.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// HTTPNotifier posts terminal failures to an external platform endpoint.
// Callers are expected to bound the context with their own timeout budget;
// this notifier adds no retries of its own, matching the "best-effort,
// swallow errors" contract its callers already implement. A circuit
// breaker stops workers from paying the full timeout budget on every job
// while the platform endpoint is down.
type HTTPNotifier struct {
	endpoint string
	hc       *http.Client
	breaker  *observability.Breaker
}

// NewHTTPNotifier builds a notifier that posts to endpoint. An empty endpoint
// disables delivery: NotifyFailure becomes a no-op returning nil, so
// deployments without a platform failure-reporting URL configured don't pay
// for a dead HTTP client.
func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		hc:       http.DefaultClient,
		breaker:  observability.NewBreaker("failure_notify", 5, 30*time.Second),
	}
}

type failurePayload struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Error      string `json:"error"`
}

// NotifyFailure implements domain.FailureNotifier.
func (n *HTTPNotifier) NotifyFailure(ctx domain.Context, entityType, entityID, errMsg string) error {
	if n.endpoint == "" {
		return nil
	}
	body, err := json.Marshal(failurePayload{EntityType: entityType, EntityID: entityID, Error: errMsg})
	if err != nil {
		return fmt.Errorf("op=notify.NotifyFailure: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=notify.NotifyFailure: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return n.breaker.Do(func() error {
		resp, err := n.hc.Do(req)
		if err != nil {
			return fmt.Errorf("op=notify.NotifyFailure: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("op=notify.NotifyFailure: endpoint returned status=%d", resp.StatusCode)
		}
		return nil
	})
}

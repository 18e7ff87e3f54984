package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

// httpTimeout bounds a single webhook delivery including token fetches.
const httpTimeout = 10000 * time.Millisecond

// Webhook event names.
const (
	EventTempoChanged = "tempo_changed"
	EventTempoLost    = "tempo_lost"
	EventTest         = "test"
)

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event       string  `json:"event"`
	BPM         int     `json:"bpm,omitempty"`
	PreviousBPM int     `json:"previous_bpm,omitempty"`
	RawBPM      int     `json:"raw_bpm,omitempty"`
	Peaks       int     `json:"peaks,omitempty"`
	LevelDB     float64 `json:"level_db,omitempty"`
	Source      string  `json:"source,omitempty"`
	Message     string  `json:"message,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// newHTTPClient returns the client used for webhook delivery. With client
// credentials configured, requests carry an OAuth2 bearer token.
func newHTTPClient(cfg *config.WebhookConfig) *http.Client {
	baseClient := &http.Client{Timeout: httpTimeout}
	if !util.IsConfigured(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret) {
		return baseClient
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       slices.Clone(cfg.Scopes),
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, baseClient)
	client := conf.Client(ctx)
	client.Timeout = httpTimeout
	return client
}

// sendWebhook delivers a notification to the webhook endpoint.
func sendWebhook(ctx context.Context, client *http.Client, webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", AppName)

	resp, err := client.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

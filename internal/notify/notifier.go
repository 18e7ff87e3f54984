// Package notify delivers tempo notifications to external endpoints.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/types"
)

// ErrWebhookNotConfigured is returned by SendTest when no webhook URL is set.
var ErrWebhookNotConfigured = errors.New("webhook URL not configured")

// TempoNotifier posts to the configured webhook when the reported tempo changes.
// Posts are throttled to one per configured minimum interval. It is safe for concurrent use.
type TempoNotifier struct {
	cfg *config.Config

	// mu protects the fields below
	mu         sync.Mutex
	lastBPM    int  // last BPM delivered, 0 when none or lost
	sending    bool // a tempo post is in flight
	generation uint64
	limiter    *rate.Limiter
	interval   time.Duration
	client     *http.Client
	clientKey  string
	inFlight   sync.WaitGroup
}

// NewTempoNotifier returns a TempoNotifier configured with the given config.
func NewTempoNotifier(cfg *config.Config) *TempoNotifier {
	return &TempoNotifier{cfg: cfg}
}

// HandleEstimate decides whether e warrants a notification and, if so, sends it
// in the background. It reports whether a notification was dispatched.
func (n *TempoNotifier) HandleEstimate(e types.Estimate) bool {
	cfg := n.cfg.Snapshot()
	if !cfg.HasWebhook() {
		return false
	}

	n.mu.Lock()
	payload := n.payloadFor(e)
	if payload == nil {
		n.mu.Unlock()
		return false
	}
	if n.sending {
		n.mu.Unlock()
		slog.Debug("webhook busy", "event", payload.Event, "bpm", payload.BPM)
		return false
	}
	if !n.limiterFor(cfg.Webhook.MinIntervalMs).Allow() {
		n.mu.Unlock()
		slog.Debug("webhook throttled", "event", payload.Event, "bpm", payload.BPM)
		return false
	}
	n.sending = true
	gen := n.generation
	client := n.clientFor(&cfg.Webhook)
	n.inFlight.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.inFlight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		err := sendWebhook(ctx, client, cfg.Webhook.URL, payload)
		logNotifyResult(err, "webhook")
		n.delivered(gen, payload, err)
	}()
	return true
}

// delivered records the outcome of a tempo post. A failed post leaves lastBPM
// untouched so the next estimate sends it again.
func (n *TempoNotifier) delivered(gen uint64, p *WebhookPayload, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sending = false
	if err == nil && gen == n.generation {
		n.lastBPM = p.BPM
	}
}

// payloadFor returns the payload for e, or nil when nothing changed. Caller must hold n.mu.
func (n *TempoNotifier) payloadFor(e types.Estimate) *WebhookPayload {
	switch {
	case e.Detected && e.BPM != n.lastBPM:
		return &WebhookPayload{
			Event:       EventTempoChanged,
			BPM:         e.BPM,
			PreviousBPM: n.lastBPM,
			RawBPM:      e.RawBPM,
			Peaks:       e.Peaks,
			LevelDB:     e.LevelDB,
			Source:      e.Source,
			Timestamp:   timestampUTC(e.Timestamp),
		}
	case !e.Detected && n.lastBPM != 0:
		return &WebhookPayload{
			Event:       EventTempoLost,
			PreviousBPM: n.lastBPM,
			Peaks:       e.Peaks,
			LevelDB:     e.LevelDB,
			Source:      e.Source,
			Message:     "no beat detected",
			Timestamp:   timestampUTC(e.Timestamp),
		}
	default:
		return nil
	}
}

// limiterFor returns the limiter, resizing it when the interval changed. Caller must hold n.mu.
func (n *TempoNotifier) limiterFor(intervalMs int) *rate.Limiter {
	interval := time.Duration(intervalMs) * time.Millisecond
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if n.limiter == nil {
		n.limiter = rate.NewLimiter(limit, 1)
	} else if interval != n.interval {
		n.limiter.SetLimit(limit)
	}
	n.interval = interval
	return n.limiter
}

// clientFor returns a cached HTTP client for the webhook settings. Caller must hold n.mu.
func (n *TempoNotifier) clientFor(cfg *config.WebhookConfig) *http.Client {
	key := strings.Join(append([]string{cfg.TokenURL, cfg.ClientID, cfg.ClientSecret}, cfg.Scopes...), "\x00")
	if n.client == nil || key != n.clientKey {
		n.client = newHTTPClient(cfg)
		n.clientKey = key
	}
	return n.client
}

// SendTest sends a test notification, bypassing change detection and throttling.
func (n *TempoNotifier) SendTest(ctx context.Context) error {
	cfg := n.cfg.Snapshot()
	if !cfg.HasWebhook() {
		return ErrWebhookNotConfigured
	}

	n.mu.Lock()
	client := n.clientFor(&cfg.Webhook)
	n.mu.Unlock()

	return sendWebhook(ctx, client, cfg.Webhook.URL, &WebhookPayload{
		Event:     EventTest,
		Message:   "This is a test notification from " + AppName,
		Timestamp: timestampUTC(time.Now()),
	})
}

// Reset forgets the last delivered tempo so the next estimate is reported.
func (n *TempoNotifier) Reset() {
	n.mu.Lock()
	n.lastBPM = 0
	n.generation++
	n.mu.Unlock()
}

// Wait blocks until all in-flight deliveries finish.
func (n *TempoNotifier) Wait() {
	n.inFlight.Wait()
}

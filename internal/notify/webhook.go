package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"milapp/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// SignatureHeader carries "sha256=" and the hex HMAC-SHA256 of the body,
// keyed by the webhook secret.
const SignatureHeader = "X-Milapp-Signature"

// Webhook posts events as JSON to one endpoint.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	filter eventFilter
}

func NewWebhook(cfg config.WebhookConfig) *Webhook {
	return &Webhook{
		URL:    cfg.URL,
		Secret: cfg.Secret,
		Client: &http.Client{Timeout: defaultWebhookTimeout},
		filter: newEventFilter(cfg.Events),
	}
}

func (w *Webhook) Notify(ctx context.Context, evt Event) error {
	if !w.filter.match(evt.Type) {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Milapp-Event", evt.Type)
	req.Header.Set("X-Milapp-Delivery", evt.ID)
	req.Header.Set("X-Milapp-Project", evt.ProjectID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	// "gate.*" matches every gate event.
	if i := strings.Index(evt, "."); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"

	"taskdesk/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

type webhook struct {
	config.WebhookConfig
	filter eventFilter
	client *http.Client
}

// WebhookSink posts notifications and events as JSON to configured URLs.
type WebhookSink struct {
	hooks []webhook
}

func NewWebhookSink(hooks []config.WebhookConfig, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	s := &WebhookSink{}
	for _, hook := range hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		c := client
		if hook.TimeoutSeconds > 0 {
			c = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second, Transport: client.Transport}
		}
		s.hooks = append(s.hooks, webhook{WebhookConfig: hook, filter: newEventFilter(hook.Events), client: c})
	}
	return s
}

// Empty reports whether no hook is configured.
func (s *WebhookSink) Empty() bool {
	return len(s.hooks) == 0
}

type webhookBody struct {
	Kind         string        `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	Event        *DomainEvent  `json:"event,omitempty"`
}

func (s *WebhookSink) PublishNotification(ctx context.Context, n Notification) error {
	return s.post(ctx, "notification", n.Event, n.OrgID, "", webhookBody{Kind: "notification", Notification: &n})
}

func (s *WebhookSink) PublishEvent(ctx context.Context, e DomainEvent) error {
	return s.post(ctx, "event", e.Name, e.OrgID, e.ID, webhookBody{Kind: "event", Event: &e})
}

func (s *WebhookSink) post(ctx context.Context, kind, name, orgID, delivery string, body webhookBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var errs error
	for _, hook := range s.hooks {
		if !hook.Deliver(kind) || !hook.filter.match(name) {
			continue
		}
		if err := hook.send(ctx, name, orgID, delivery, data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deliver to %s: %w", hook.URL, err))
		}
	}
	return errs
}

func (h webhook) send(ctx context.Context, name, orgID, delivery string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskdesk-Event", name)
	req.Header.Set("X-Taskdesk-Org", orgID)
	if delivery != "" {
		req.Header.Set("X-Taskdesk-Delivery", delivery)
	}
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set("X-Taskdesk-Secret", h.Secret)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches exact names or a trailing-wildcard prefix like "task.*".
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	var prefixes []string
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
			continue
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			prefixes = append(prefixes, strings.TrimSuffix(key, "*"))
		default:
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 && len(prefixes) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set, prefixes: prefixes}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}

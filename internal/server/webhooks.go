package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seanchatmangpt/aps/internal/domain"
	"github.com/seanchatmangpt/aps/internal/events"
	"github.com/seanchatmangpt/aps/internal/metrics"
)

const (
	webhookInterval = 2 * time.Second
	webhookTimeout  = 5 * time.Second
	webhookBatch    = 100

	signatureHeader = "X-APS-Signature"
)

// hookState is one configured receiver and how far it has been fed.
type hookState struct {
	url     string
	secret  string
	client  *http.Client
	wants   func(evtType string) bool
	cursor  int64
	started bool
}

// webhookDispatcher forwards new operations to configured receivers. Each
// receiver gets events in id order; a failed delivery is retried from the
// same event on the next pass. It is driven from a single goroutine.
type webhookDispatcher struct {
	events events.Writer
	hooks  []*hookState
	log    *slog.Logger
}

func newWebhookDispatcher(cfg Config) *webhookDispatcher {
	d := &webhookDispatcher{events: cfg.Events, log: cfg.log().With("component", "webhooks")}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		url := strings.TrimSpace(hook.URL)
		if url == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			url:    url,
			secret: strings.TrimSpace(hook.Secret),
			client: &http.Client{Timeout: timeout},
			wants:  typeFilter(hook.Events),
		})
	}
	return d
}

func startWebhookDispatcher(cfg Config) {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	d := newWebhookDispatcher(cfg)
	if len(d.hooks) == 0 {
		return
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(webhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, h := range d.hooks {
		if ctx.Err() != nil {
			return
		}
		d.feed(ctx, h)
	}
}

func (d *webhookDispatcher) feed(ctx context.Context, h *hookState) {
	if !h.started {
		// new receivers only see what happens after the dispatcher starts
		head, err := d.events.LatestID(ctx)
		if err != nil {
			d.log.Warn("read event head failed", "url", h.url, "err", err)
			return
		}
		h.cursor, h.started = head, true
	}
	pending, err := d.events.After(ctx, h.cursor, webhookBatch)
	if err != nil {
		d.log.Warn("fetch events failed", "url", h.url, "err", err)
		return
	}
	for _, evt := range pending {
		if h.wants(evt.Type) {
			if err := d.deliver(ctx, h, evt); err != nil {
				metrics.IncWebhookDelivery(false)
				d.log.Warn("delivery failed", "url", h.url, "event", evt.ID, "err", err)
				return
			}
			metrics.IncWebhookDelivery(true)
		}
		h.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	Actor    string          `json:"actor,omitempty"`
	TS       string          `json:"ts"`
	Payload  json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) deliver(ctx context.Context, h *hookState, evt domain.Event) error {
	payload := json.RawMessage(evt.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(webhookEvent{
		ID:       evt.ID,
		Type:     evt.Type,
		EntityID: evt.EntityID,
		Actor:    evt.Actor,
		TS:       evt.TS,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-APS-Event", evt.Type)
	req.Header.Set("X-APS-Delivery", strconv.FormatInt(evt.ID, 10))
	if h.secret != "" {
		req.Header.Set(signatureHeader, signBody(h.secret, body))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("receiver answered %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// signBody returns the sha256=<hex> HMAC of body keyed by secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// typeFilter matches every event type when types is empty.
func typeFilter(types []string) func(string) bool {
	set := map[string]bool{}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	if len(set) == 0 {
		return func(string) bool { return true }
	}
	return func(evtType string) bool { return set[evtType] }
}

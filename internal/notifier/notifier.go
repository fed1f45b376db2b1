// Package notifier publishes a structured event on every status mutation so
// UI processes can react without polling. Publishing is strictly best-effort:
// it runs after the store write succeeded and a failure is counted and
// logged, never propagated.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kalfasyan/desto/internal/metrics"
	"github.com/kalfasyan/desto/internal/store"
)

// Update is one decoded change event. Fields holds the mutated hash fields of
// the session record, flattened exactly as they were written.
type Update struct {
	SessionName string
	Timestamp   time.Time
	Fields      map[string]string
}

// Notifier implements store.Publisher over the shared Redis connection.
type Notifier struct {
	client *store.Client
	now    func() time.Time
}

func New(client *store.Client) *Notifier {
	return &Notifier{client: client, now: time.Now}
}

// Publish sends {session_name, timestamp} merged with the mutated fields as a
// single JSON message on the updates channel.
func (n *Notifier) Publish(ctx context.Context, sessionName string, fields map[string]string) {
	if !n.client.Enabled() {
		return
	}
	msg := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["session_name"] = sessionName
	msg["timestamp"] = n.now().Format(time.RFC3339Nano)
	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.IncPublishFailure()
		slog.Error("encode status update failed", "session", sessionName, "error", err)
		return
	}
	if err := n.client.Redis().Publish(ctx, store.UpdatesChannel, payload).Err(); err != nil {
		metrics.IncPublishFailure()
		slog.Warn("publish status update failed", "session", sessionName, "error", err)
	}
}

// Subscribe delivers decoded updates until ctx is cancelled. The returned
// channel is closed when the subscription ends.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Update, error) {
	if !n.client.Enabled() {
		return nil, store.ErrUnavailable
	}
	sub := n.client.Redis().Subscribe(ctx, store.UpdatesChannel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Update)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				upd, err := decode(m.Payload)
				if err != nil {
					slog.Warn("malformed status update", "error", err)
					continue
				}
				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decode(payload string) (Update, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Update{}, err
	}
	upd := Update{SessionName: raw["session_name"], Fields: raw}
	if ts := raw["timestamp"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			upd.Timestamp = t
		}
	}
	delete(raw, "session_name")
	delete(raw, "timestamp")
	return upd, nil
}

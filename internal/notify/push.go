package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// PushNotifier posts events to a push gateway (FCM-style HTTP endpoint), one request per recipient.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	limiter  *rate.Limiter
}

// NewPushNotifier builds a notifier capped at perSecond requests; perSecond <= 0 disables the cap.
func NewPushNotifier(endpoint, key string, perSecond float64) *PushNotifier {
	p := &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
	if perSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}
	return p
}

func (p *PushNotifier) Name() string { return "push" }

func (p *PushNotifier) Notify(ctx context.Context, e Event) error {
	for _, r := range e.Recipients {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		body := map[string]any{"message": map[string]any{
			"topic": string(r.Party) + "-" + r.ID,
			"data": map[string]any{
				"event_id": e.ID,
				"type":     e.Type,
				"order_id": e.OrderID,
				"payload":  e.Payload,
			},
		}}
		if err := p.post(ctx, body); err != nil {
			return fmt.Errorf("push to %s %s: %w", r.Party, r.ID, err)
		}
	}
	return nil
}

func (p *PushNotifier) post(ctx context.Context, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return nil
}

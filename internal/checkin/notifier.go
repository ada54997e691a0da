package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sunny-voice-lab/internal/analysis"
	"github.com/sunny-voice-lab/internal/logging"
	"github.com/sunny-voice-lab/internal/session"
)

// Notifier forwards newly stored alerts to a family-facing webhook.
// Delivery is best-effort with bounded retries; the check-in itself is
// already committed by the time Forward runs.
type Notifier struct {
	URL       string
	AuthToken string
	Client    *http.Client

	// Async controls whether Forward returns immediately. Tests set it
	// false to observe delivery synchronously.
	Async bool
}

type alertNotification struct {
	ElderID         string           `json:"elderId,omitempty"`
	CheckinID       string           `json:"checkinId"`
	WellnessScore   int              `json:"wellnessScore"`
	Summary         string           `json:"summary"`
	DurationSeconds int              `json:"durationSeconds"`
	Alerts          []analysis.Alert `json:"alerts"`
	SentAt          time.Time        `json:"sentAt"`
}

// Forward delivers the scored result for one check-in that raised alerts.
func (n *Notifier) Forward(elderID, checkinID string, result *session.CallResult) {
	if n.URL == "" || result == nil || len(result.Alerts) == 0 {
		return
	}
	payload := alertNotification{
		ElderID:         elderID,
		CheckinID:       checkinID,
		WellnessScore:   result.WellnessScore,
		Summary:         result.Summary,
		DurationSeconds: result.DurationSeconds,
		Alerts:          result.Alerts,
		SentAt:          time.Now().UTC(),
	}
	if n.Async {
		go n.deliver(payload)
		return
	}
	n.deliver(payload)
}

func (n *Notifier) deliver(payload alertNotification) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Errorw("notifier: marshal payload", "err", err, "checkin.id", payload.CheckinID)
		return
	}

	resp, err := postWithRetries(n.Client, n.URL, body, n.AuthToken, 5000, 3, payload.CheckinID)
	if err != nil {
		logging.Warnw("notifier: webhook delivery failed", "err", err, "checkin.id", payload.CheckinID, "alerts", len(payload.Alerts))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Warnw("notifier: webhook rejected alerts", "status", resp.StatusCode, "checkin.id", payload.CheckinID)
		return
	}
	logging.Infow("notifier: alerts forwarded", "checkin.id", payload.CheckinID, "alerts", len(payload.Alerts))
}

// postWithRetries posts JSON to url with retry/backoff and returns the
// response. Caller must close resp.Body.
func postWithRetries(client *http.Client, url string, body []byte, authToken string, timeoutMs int, attempts int, correlationID string) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ctxReq, cancelReq := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
		req, rerr := http.NewRequestWithContext(ctxReq, http.MethodPost, url, bytes.NewReader(body))
		if rerr != nil {
			cancelReq()
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		var resp *http.Response
		var err error
		if client != nil {
			resp, err = client.Do(req)
		} else {
			tmp := &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}
			resp, err = tmp.Do(req)
		}
		cancelReq()
		if err != nil {
			lastErr = err
			logging.Debugw("notifier: POST attempt failed", "attempt", i+1, "err", err, "correlation_id", correlationID)
			if i < attempts-1 {
				time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, lastErr
}

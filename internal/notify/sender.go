package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"bloodgrid/internal/domain"
)

// Sender delivers a shortage notification to one donor. Implementations must
// be safe for concurrent use; the donor agent fans notifications out and
// treats a per-donor failure as isolated.
type Sender interface {
	Notify(ctx context.Context, donor domain.Donor, alert domain.Alert) error
}

// LogSender writes notifications to the process log. It is the default sender
// for local runs and tests.
type LogSender struct {
	Logger *log.Logger
}

func (s *LogSender) Notify(_ context.Context, donor domain.Donor, alert domain.Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify donor=%s alert=%s blood_type=%s urgency=%s", donor.ID, alert.ID, alert.BloodType, alert.Urgency)
	return nil
}

type notification struct {
	DonorID    string `json:"donor_id"`
	DonorName  string `json:"donor_name"`
	AlertID    string `json:"alert_id"`
	HospitalID string `json:"hospital_id"`
	BloodType  string `json:"blood_type"`
	Urgency    string `json:"urgency"`
	Units      int    `json:"units_needed"`
}

// WebhookSender posts notifications to an external gateway. A circuit breaker
// sits in front of the gateway so a flapping endpoint fails fast instead of
// holding the fan-out hostage for the full timeout on every donor.
type WebhookSender struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewWebhookSender(url string, timeout time.Duration, logger *log.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	settings := gobreaker.Settings{
		Name:    "notify-webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("notify breaker %s: %s -> %s", name, from, to)
		},
	}
	return &WebhookSender{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *WebhookSender) Notify(ctx context.Context, donor domain.Donor, alert domain.Alert) error {
	body, err := json.Marshal(notification{
		DonorID:    donor.ID,
		DonorName:  donor.Name,
		AlertID:    alert.ID,
		HospitalID: alert.HospitalID,
		BloodType:  string(alert.BloodType),
		Urgency:    string(alert.Urgency),
		Units:      alert.UnitsNeeded,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = s.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post notification: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("notification gateway returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return domain.Collaboratorf(err, "notify donor %s", donor.ID)
	}
	return nil
}

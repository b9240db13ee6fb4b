package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splax/pulse/internal/domain"
)

// Broadcaster fans a payload out to a project's stream subscribers.
type Broadcaster interface {
	Broadcast(projectID string, payload []byte)
}

// StreamListener pushes fired alerts to realtime subscribers.
type StreamListener struct {
	hub    Broadcaster
	logger *slog.Logger
}

// NewStreamListener wraps a hub.
func NewStreamListener(hub Broadcaster, logger *slog.Logger) *StreamListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamListener{hub: hub, logger: logger}
}

func (l *StreamListener) AlertFired(ctx context.Context, alert domain.Alert) {
	if l.hub == nil {
		return
	}
	payload, err := MarshalAlert(alert)
	if err != nil {
		l.logger.Warn("failed to marshal alert", "alert_id", alert.ID, "error", err)
		return
	}
	l.hub.Broadcast(alert.ProjectID, payload)
}

// AlertJSON is the wire form of an alert.
type AlertJSON struct {
	ID          int64   `json:"id"`
	ProjectID   string  `json:"project_id"`
	PolicyID    int64   `json:"policy_id"`
	PolicyName  string  `json:"policy_name"`
	Message     string  `json:"message"`
	Severity    string  `json:"severity"`
	Metric      string  `json:"metric"`
	Comparison  string  `json:"comparison"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	TriggeredAt string  `json:"triggered_at"`
}

// AlertToJSON converts an alert to its wire form.
func AlertToJSON(alert domain.Alert) AlertJSON {
	return AlertJSON{
		ID:          alert.ID,
		ProjectID:   alert.ProjectID,
		PolicyID:    alert.PolicyID,
		PolicyName:  alert.PolicyName,
		Message:     alert.Message,
		Severity:    string(alert.Severity),
		Metric:      string(alert.Metric),
		Comparison:  string(alert.Comparison),
		Value:       alert.Value,
		Threshold:   alert.Threshold,
		TriggeredAt: alert.TriggeredAt.UTC().Format(time.RFC3339Nano),
	}
}

// MarshalAlert encodes an alert for SSE/WebSocket clients.
func MarshalAlert(alert domain.Alert) ([]byte, error) {
	return json.Marshal(AlertToJSON(alert))
}

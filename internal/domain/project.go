package domain

import "time"

// Project is a monitored API. It owns its samples, policies and alerts.
type Project struct {
	ID         string
	Name       string
	Email      string
	APIKeyHash string
	CreatedAt  time.Time
}

package models

import "time"

// EventType names an installation lifecycle transition.
type EventType string

const (
	EventInstalled      EventType = "installed"
	EventRefreshed      EventType = "refreshed"
	EventRefreshFailed  EventType = "refresh_failed"
	EventRefreshExpired EventType = "refresh_expired"
	EventValidated      EventType = "validated"
	EventRemoved        EventType = "removed"
)

// Event is published whenever an installation changes state.
type Event struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	InstallationID string      `json:"installationId"`
	Status         TokenStatus `json:"tokenStatus,omitempty"`
	Message        string      `json:"message,omitempty"`
	At             time.Time   `json:"at"`
}

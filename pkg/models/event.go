package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a lifecycle event derived from telemetry.
type EventKind string

const (
	EventBlockFound      EventKind = "block_found"
	EventMinerDiscovered EventKind = "miner_discovered"
	EventMinerLost       EventKind = "miner_lost"
)

// Topic returns the event bus topic for the kind.
func (k EventKind) Topic() string {
	return "miningops." + string(k)
}

// DomainEvent is emitted once and never retracted.
type DomainEvent struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewDomainEvent builds an event with a fresh ID. The payload is copied.
func NewDomainEvent(kind EventKind, payload map[string]any, at time.Time) DomainEvent {
	return DomainEvent{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    maps.Clone(payload),
		OccurredAt: at.UTC(),
	}
}

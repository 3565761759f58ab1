package events

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	DeviceRegistered EventType = "rfid-sync/device/registered"
	DeviceRevoked    EventType = "rfid-sync/device/revoked"
	DeviceReinstated EventType = "rfid-sync/device/reinstated"
	DeviceHeartbeat  EventType = "rfid-sync/device/heartbeat"
	ReadingsIngested EventType = "rfid-sync/readings/ingested"
	ConfigUpdated    EventType = "rfid-sync/config/updated"
)

type Event struct {
	Type      EventType   `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Publisher forwards control plane events to a downstream bus. Delivery is
// best effort: callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type nopPublisher struct{}

func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (nopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mtx    sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, event Event) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Package realtime provides the change-feed transport: a tenant-filtered
// subscription channel whose state is readable synchronously, so a periodic
// health monitor can drive reconnection without touching the data pipeline.
package realtime

import (
	"context"
	"time"
)

// ChannelState is the observable lifecycle of one subscription channel.
type ChannelState int32

const (
	StateUnsubscribed ChannelState = iota
	StateSubscribing
	StateSubscribed
	StateJoined
	StateErrored
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateJoined:
		return "joined"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Healthy reports whether the channel is live and needs no rebuild.
func (s ChannelState) Healthy() bool {
	return s == StateSubscribed || s == StateJoined
}

// Event is one change notification. The payload carries no row data; any
// event of any type triggers a full resynchronization downstream.
type Event struct {
	Type     string    `json:"type"`
	Table    string    `json:"table"`
	TenantID string    `json:"tenant_id"`
	RecordID string    `json:"record_id,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

// Handler receives events on the channel's read goroutine and must not block.
type Handler func(Event)

// Channel is one logical subscription instance. Identity (the name) is never
// reused across rebuilds.
type Channel interface {
	Name() string
	State() ChannelState
	Close() error
}

// Feed opens tenant-filtered subscription channels.
type Feed interface {
	Subscribe(ctx context.Context, channel, tenantID string, handler Handler) (Channel, error)
}

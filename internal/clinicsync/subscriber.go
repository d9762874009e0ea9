package clinicsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clinicstack/clinicsync/internal/realtime"
)

// Subscriber owns the live change-feed channel for the active tenant. Any
// event on the channel triggers a full resynchronization; there is no
// differencing. A subscription never straddles two tenants: switching tears
// the old channel down before the new one exists.
type Subscriber struct {
	store  *Store
	ref    *HandleRef
	logger *logrus.Logger

	mu       sync.Mutex
	tenantID string
	channel  realtime.Channel
}

func NewSubscriber(store *Store, logger *logrus.Logger) *Subscriber {
	if logger == nil {
		logger = logrus.New()
	}
	return &Subscriber{
		store:  store,
		ref:    store.HandleRef(),
		logger: logger,
	}
}

// channelName builds a fresh channel identity. Rebuilds must never reuse a
// name, or the backend may collide the new channel with the dying one.
func channelName(tenantID string) string {
	return fmt.Sprintf("clinicsync:%s:%s", tenantID, uuid.NewString())
}

// SetTenant retargets the subscription. The previous channel is closed
// first; an empty tenant leaves the subscriber idle.
func (b *Subscriber) SetTenant(ctx context.Context, tenantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
	b.tenantID = tenantID
	if tenantID == "" {
		return nil
	}
	return b.subscribeLocked(ctx)
}

// Rebuild tears the current channel down and resubscribes for the same
// tenant under a fresh channel identity.
func (b *Subscriber) Rebuild(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tenantID == "" {
		return nil
	}
	b.teardownLocked()
	return b.subscribeLocked(ctx)
}

func (b *Subscriber) subscribeLocked(ctx context.Context) error {
	handle := b.ref.Current()
	if handle == nil || handle.Feed == nil {
		return fmt.Errorf("no change feed available")
	}
	tenant := b.tenantID
	name := channelName(tenant)
	channel, err := handle.Feed.Subscribe(ctx, name, tenant, b.handlerFor(tenant))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	b.channel = channel
	b.logger.WithFields(logrus.Fields{
		"tenant":  tenant,
		"channel": name,
	}).Info("change feed subscribed")
	return nil
}

// handlerFor binds the handler to the tenant it was subscribed for. Events
// arriving after a switch, or carrying a foreign tenant, are dropped.
func (b *Subscriber) handlerFor(tenant string) realtime.Handler {
	return func(event realtime.Event) {
		if event.TenantID != "" && event.TenantID != tenant {
			b.logger.WithFields(logrus.Fields{
				"tenant": tenant,
				"event":  event.Type,
			}).Warn("foreign-tenant event dropped")
			return
		}
		b.mu.Lock()
		current := b.tenantID
		b.mu.Unlock()
		if current != tenant {
			return
		}
		// Resync off the feed's read goroutine so a slow cycle never stalls
		// the socket.
		go func() {
			if err := b.store.Refetch(context.Background()); err != nil {
				b.logger.WithFields(logrus.Fields{
					"tenant": tenant,
					"event":  event.Type,
					"table":  event.Table,
				}).WithError(err).Error("event-triggered resynchronization failed")
			}
		}()
	}
}

// ChannelState reports the current channel state, StateUnsubscribed when no
// channel exists. Readable synchronously for the health monitor.
func (b *Subscriber) ChannelState() realtime.ChannelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return realtime.StateUnsubscribed
	}
	return b.channel.State()
}

// ChannelName returns the identity of the live channel, empty when idle.
func (b *Subscriber) ChannelName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return ""
	}
	return b.channel.Name()
}

func (b *Subscriber) teardownLocked() {
	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}
}

// Close tears down the subscription and leaves the subscriber idle.
func (b *Subscriber) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
	b.tenantID = ""
}

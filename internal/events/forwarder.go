package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/msageha/launchanalyzer/internal/logging"
)

// Forwarder republishes bus events on the broker as `<prefix>.<type>`.
type Forwarder struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

func NewForwarder(nc *nats.Conn, prefix string, logger *logging.Logger) *Forwarder {
	if prefix == "" {
		prefix = "events"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Forwarder{nc: nc, prefix: prefix, logger: logger.WithComponent("forwarder")}
}

// Subject returns the broker subject for an event type.
func (f *Forwarder) Subject(t EventType) string {
	return f.prefix + "." + string(t)
}

// Forward publishes one event. Delivery is at most once.
func (f *Forwarder) Forward(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	if err := f.nc.Publish(f.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish event %s: %w", e.ID, err)
	}
	return nil
}

// Attach subscribes the forwarder to every event type on bus.
func (f *Forwarder) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := f.Forward(e); err != nil {
			f.logger.Warnf("forward event type=%s id=%s err=%v", e.Type, e.ID, err)
		}
	})
}

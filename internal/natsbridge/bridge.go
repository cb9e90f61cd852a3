package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pulsewatch-app/pulsewatch/internal/bus"
)

// subjectFor maps bus topics onto JetStream subjects.
var subjectFor = map[string]string{
	bus.TopicUsageUpdate:     SubjectUsageUpdate,
	bus.TopicSessionStatus:   SubjectSessionStatus,
	bus.TopicSchedulerStatus: SubjectSchedulerStatus,
	bus.TopicUsageReset:      SubjectUsageReset,
	bus.TopicSystemWake:      SubjectSystemWake,
}

// Bridge republishes every bus event onto JetStream. Publish failures are
// logged and dropped; the bridge never blocks the daemon.
type Bridge struct {
	client *Client
	bus    *bus.Bus
	log    *slog.Logger

	sub  *bus.Subscription
	done chan struct{}
}

func NewBridge(client *Client, b *bus.Bus, log *slog.Logger) *Bridge {
	return &Bridge{client: client, bus: b, log: log}
}

// Start subscribes to the bus and forwards events until Stop or the bus
// closes.
func (b *Bridge) Start(ctx context.Context) {
	b.sub = b.bus.Subscribe()
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-b.sub.C():
				if !ok {
					return
				}
				if err := b.forward(ctx, ev); err != nil {
					b.log.Warn("nats bridge publish failed", "topic", ev.Topic, "error", err)
				}
			}
		}
	}()
}

// Stop detaches from the bus and waits for the forwarder to drain.
func (b *Bridge) Stop() {
	if b.sub == nil {
		return
	}
	b.sub.Close()
	<-b.done
}

func (b *Bridge) forward(ctx context.Context, ev bus.Event) error {
	subject, ok := subjectFor[ev.Topic]
	if !ok {
		return fmt.Errorf("no subject for topic %s", ev.Topic)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", ev.Topic, err)
	}
	if _, err := b.client.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

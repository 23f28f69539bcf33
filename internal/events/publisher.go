// Package events publishes snapshot lifecycle notifications over NATS so
// other hosts and tooling can react to builds and health changes. Publishing
// is best effort: an unreachable broker never fails the operation that
// triggered the event.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const Subject = "snapshots.events"

const (
	TypeSnapshotReady     = "snapshot.ready"
	TypeSnapshotUnhealthy = "snapshot.unhealthy"
	TypeRebuildRequested  = "snapshot.rebuild_requested"
	TypeSnapshotDeleted   = "snapshot.deleted"
)

type Event struct {
	Type           string    `json:"type"`
	SnapshotID     string    `json:"snapshot_id"`
	RuntimeImageID string    `json:"runtime_image_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher connects to the broker. An empty url disables publishing and
// returns a publisher whose Publish is a no-op.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	if url == "" {
		return &Publisher{logger: logger}, nil
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("nimbusd"))
	if err != nil {
		return nil, err
	}

	return &Publisher{nc: nc, logger: logger}, nil
}

func (p *Publisher) Publish(event Event) {
	if p == nil || p.nc == nil {
		return
	}
	event.OccurredAt = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("could not marshal event", "type", event.Type, "error", err)
		return
	}

	if err := p.nc.Publish(Subject, data); err != nil {
		p.logger.Warn("could not publish event", "type", event.Type, "error", err)
	}
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

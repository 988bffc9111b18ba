// Package notify announces persisted snapshots to other services.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "airquality.snapshots"

// flushTimeout bounds the server round trip when the caller's context has
// no deadline.
const flushTimeout = 5 * time.Second

// Publisher is satisfied by NATSPublisher and Nop.
type Publisher interface {
	airquality.SnapshotPublisher
	Close()
}

// SnapshotEvent is the JSON body of every message.
type SnapshotEvent struct {
	RunID     string            `json:"run_id"`
	Source    airquality.Source `json:"source"`
	CreatedAt time.Time         `json:"created_at"`
	Count     int               `json:"count"`
	File      string            `json:"file"`
}

// EventFromMeta builds the message body of a snapshot.
func EventFromMeta(meta airquality.SnapshotMeta) SnapshotEvent {
	return SnapshotEvent{
		RunID:     meta.RunID,
		Source:    meta.Source,
		CreatedAt: meta.CreatedAt.UTC(),
		Count:     meta.Count,
		File:      meta.Name,
	}
}

// NATSPublisher publishes snapshot events on a core NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATSPublisher connects to url. The connection reconnects on its own;
// publishes during an outage are buffered by the client.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	log := logging.Component("notify")

	nc, err := nats.Connect(url,
		nats.Name("air-quality-aggregation"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSPublisher{nc: nc, subject: subject, log: log}, nil
}

// PublishSnapshot sends one event and flushes it to the server.
func (p *NATSPublisher) PublishSnapshot(ctx context.Context, meta airquality.SnapshotMeta) error {
	data, err := json.Marshal(EventFromMeta(meta))
	if err != nil {
		return fmt.Errorf("encode snapshot event: %w", err)
	}

	msg := &nats.Msg{Subject: p.subject, Data: data, Header: nats.Header{}}
	msg.Header.Set("Run-Id", meta.RunID)
	msg.Header.Set(nats.MsgIdHdr, meta.Name)

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	if !p.nc.IsConnected() {
		// Buffered until reconnect.
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("NATS drain failed")
		p.nc.Close()
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishSnapshot(context.Context, airquality.SnapshotMeta) error { return nil }

func (Nop) Close() {}

package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/eventstore"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
)

// natsJournal mirrors every appended lifecycle event onto a JetStream
// subject. The SQLite journal stays authoritative; a publish failure
// is logged and the append still succeeds.
type natsJournal struct {
	inner  eventstore.Store
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// eventEnvelope is the published wire shape.
type eventEnvelope struct {
	ConfigID  int64             `json:"config_id"`
	Scope     string            `json:"scope"`
	EventType string            `json:"event_type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// newNATSJournal connects, ensures the stream exists and wraps the
// inner journal.
func newNATSJournal(ctx context.Context, cfg *config.NATSConfig, inner eventstore.Store, logger *slog.Logger) (*natsJournal, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, ferrors.NetworkError("connect to NATS").WithCause(err).Build()
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, ferrors.NetworkError("create JetStream context").WithCause(err).Build()
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	})
	if err != nil {
		conn.Close()
		return nil, ferrors.NetworkError("ensure lifecycle event stream").WithCause(err).Build()
	}

	logger.Info("Lifecycle events mirrored to NATS",
		slog.String("url", cfg.URL),
		slog.String("stream", cfg.Stream),
		slog.String("subject_prefix", cfg.SubjectPrefix))
	return &natsJournal{
		inner:  inner,
		conn:   conn,
		js:     js,
		prefix: cfg.SubjectPrefix,
		logger: logger,
	}, nil
}

func (n *natsJournal) Append(ctx context.Context, configID int64, scope, eventType string, payload []byte, metadata map[string]string) error {
	if err := n.inner.Append(ctx, configID, scope, eventType, payload, metadata); err != nil {
		return err
	}

	data, err := json.Marshal(eventEnvelope{
		ConfigID:  configID,
		Scope:     scope,
		EventType: eventType,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		n.logger.Warn("Lifecycle event encode failed", logfields.Error(err))
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := n.js.Publish(pubCtx, n.prefix+"."+eventType, data); err != nil {
		n.logger.Warn("Lifecycle event publish failed",
			slog.String("event", eventType), logfields.Error(err))
	}
	return nil
}

func (n *natsJournal) GetByConfigID(ctx context.Context, configID int64) ([]eventstore.Event, error) {
	return n.inner.GetByConfigID(ctx, configID)
}

func (n *natsJournal) GetRange(ctx context.Context, start, end time.Time) ([]eventstore.Event, error) {
	return n.inner.GetRange(ctx, start, end)
}

func (n *natsJournal) Close() error {
	n.conn.Close()
	return n.inner.Close()
}

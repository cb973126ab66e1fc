// Package nats publishes language server lifecycle events on NATS JetStream
// and provides the JetStream KV bucket backing the shared symbol cache.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/logger"
	"github.com/Strob0t/symbolforge/internal/port/broadcast"
)

const (
	streamName = "SYMBOLFORGE"
	// streamMaxAge bounds how long lifecycle history is retained.
	streamMaxAge = 24 * time.Hour

	headerRequestID = "X-Request-ID"
)

// Handler processes one message. A returned error naks the message.
type Handler func(ctx context.Context, subject string, data []byte) error

// Bus is a JetStream connection scoped to the symbolforge stream.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url, nats.Name("symbolforge"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"lsp.>"},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js, logger: log}, nil
}

// LifecycleSubject returns the subject lifecycle events of language are
// published on.
func LifecycleSubject(language string) string {
	return broadcast.EventLSPLifecycle + "." + subjectToken(language)
}

// Publish sends data on subject, carrying the request id from ctx.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// BroadcastEvent publishes an event. Lifecycle events go to a per-language
// subject so consumers can filter with wildcards.
func (b *Bus) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshal nats event payload", "type", eventType, "error", err)
		return
	}

	subject := eventType
	if ev, ok := payload.(lsp.LifecycleEvent); ok {
		subject = LifecycleSubject(ev.Language)
	}
	if err := b.Publish(ctx, subject, data); err != nil {
		b.logger.Warn("nats event publish failed", "subject", subject, "error", err)
	}
}

// Subscribe registers a handler for messages on subject.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		mctx := context.Background()
		if h := msg.Headers(); h != nil {
			if id := h.Get(headerRequestID); id != "" {
				mctx = logger.WithRequestID(mctx, id)
			}
		}
		if err := handler(mctx, msg.Subject(), msg.Data()); err != nil {
			logger.From(mctx).Error("message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				b.logger.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// KeyValue opens (creating if needed) a KV bucket whose entries expire
// after ttl.
func (b *Bus) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "symbolforge symbol cache",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Close drains and closes the NATS connection.
func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

var _ broadcast.Broadcaster = (*Bus)(nil)

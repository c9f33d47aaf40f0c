// Package ingest receives operational signals from the outside world
// and feeds them to the orchestrator. The transports — a NATS subject
// and an HTTP webhook — are interchangeable; both normalize to
// alert.Signal and neither drops a recognizable payload.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
)

// Handler consumes one normalized signal.
type Handler interface {
	HandleSignal(ctx context.Context, signal alert.Signal) (*orchestrator.Result, error)
}

// ConnectNATS dials the broker with reconnect behavior suited to a
// long-lived daemon.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return nc, nil
}

// Subscriber consumes signal payloads from a NATS subject.
type Subscriber struct {
	conn    *nats.Conn
	subject string
	queue   string
	handler Handler
	logger  *zap.Logger
}

// NewSubscriber creates a Subscriber. The queue group lets multiple
// daemon replicas share a subject without double-handling.
func NewSubscriber(conn *nats.Conn, subject, queue string, handler Handler, logger *zap.Logger) (*Subscriber, error) {
	if conn == nil {
		return nil, fmt.Errorf("subscriber requires a NATS connection")
	}
	if subject == "" {
		return nil, fmt.Errorf("subscriber requires a subject")
	}
	if handler == nil {
		return nil, fmt.Errorf("subscriber requires a handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{conn: conn, subject: subject, queue: queue, handler: handler, logger: logger}, nil
}

// Run subscribes and blocks until ctx is done. Each message is handled
// in its own goroutine since a remediation may run for a long time.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		signal, ok := DecodeSignal(msg.Data, s.logger)
		if !ok {
			return
		}
		go func() {
			if _, err := s.handler.HandleSignal(ctx, signal); err != nil {
				s.logger.Error("handling signal from NATS",
					zap.String("subject", msg.Subject),
					zap.Error(err),
				)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.subject, err)
	}
	s.logger.Info("subscribed for signals",
		zap.String("subject", s.subject),
		zap.String("queue", s.queue),
	)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.logger.Warn("draining subscription", zap.Error(err))
	}
	return nil
}

// DecodeSignal parses a signal payload. Unparseable JSON is not
// dropped: the raw bytes become the logs of an otherwise-empty signal
// so classification can still track the delivery as Unclassified.
func DecodeSignal(data []byte, logger *zap.Logger) (alert.Signal, bool) {
	var signal alert.Signal
	if err := json.Unmarshal(data, &signal); err != nil {
		logger.Warn("malformed signal payload, handling as unclassified",
			zap.Error(err),
			zap.Int("bytes", len(data)),
		)
		return alert.Signal{Logs: string(data)}, true
	}
	if len(signal.Fields) == 0 && signal.Logs == "" {
		logger.Warn("empty signal payload dropped")
		return alert.Signal{}, false
	}
	return signal, true
}

// Package notify publishes fire-and-forget operational events. Delivery is
// best effort, failures are logged and never returned to the caller.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	EventVerifiedNoWallet      = "verified_no_wallet"
	EventVerifiedInvalidWallet = "verified_invalid_wallet"
	EventGrantReport           = "grant-report"
	EventRedeemReport          = "redeem-report"
	EventWalletReport          = "wallet-report"
	EventContributionReport    = "contribution-report"
	EventFatal                 = "fatal"
)

type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

type Sink interface {
	Notify(ctx context.Context, eventType string, payload map[string]any)
}

// NatsSink publishes events as json on `<prefix>.<event type>`
type NatsSink struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

func NewNatsSink(url, prefix string, logger *zap.Logger) (*NatsSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("probi-settlement"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed connecting to nats at %s", url)
	}
	return &NatsSink{
		conn:   conn,
		prefix: prefix,
		logger: logger.With(zap.String("component", "notify")),
	}, nil
}

func (ns *NatsSink) Notify(ctx context.Context, eventType string, payload map[string]any) {
	encoded, err := json.Marshal(Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		ns.logger.Warn("failed encoding event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := ns.conn.Publish(ns.prefix+"."+eventType, encoded); err != nil {
		ns.logger.Warn("failed publishing event", zap.String("type", eventType), zap.Error(err))
	}
}

func (ns *NatsSink) Ping(ctx context.Context) error {
	if !ns.conn.IsConnected() {
		return errors.New("nats disconnected")
	}
	return nil
}

func (ns *NatsSink) Close() {
	ns.conn.Drain()
}

// LogSink writes events to the log, used when no broker is configured
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "notify"))}
}

func (ls *LogSink) Notify(ctx context.Context, eventType string, payload map[string]any) {
	ls.logger.Info("event", zap.String("type", eventType), zap.Any("payload", payload))
}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Notify(ctx context.Context, eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload})
}

func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.Events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

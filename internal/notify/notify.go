// Package notify publishes run reports to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cyderes/flight-ingestion-service/internal/config"
)

// RunEvent is the message published after every pipeline run
type RunEvent struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	State      string    `json:"state"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Fetched    int       `json:"fetched"`
	Clean      int       `json:"clean"`
	Dropped    int       `json:"dropped"`
	Loaded     int       `json:"loaded"`
}

const flushTimeout = 5 * time.Second

// Notifier delivers run events
type Notifier interface {
	Publish(ctx context.Context, event RunEvent) error
	Close() error
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, RunEvent) error { return nil }
func (Nop) Close() error { return nil }

// publisher is the part of *nats.Conn the notifier uses
type publisher interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSNotifier publishes events as JSON on a NATS subject
type NATSNotifier struct {
	conn    publisher
	subject string
}

// New connects to NATS when cfg.NATSURL is set and returns Nop otherwise.
func New(cfg config.NotifyConfig) (Notifier, error) {
	if cfg.NATSURL == "" {
		return Nop{}, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("flight-ingestion-service"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
	}
	return &NATSNotifier{conn: nc, subject: cfg.NATSSubject}, nil
}

// Publish sends the event and waits for the server to acknowledge the flush
func (n *NATSNotifier) Publish(ctx context.Context, event RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", n.subject, err)
	}
	// FlushWithContext requires a deadline
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Close closes the connection
func (n *NATSNotifier) Close() error {
	n.conn.Close()
	return nil
}

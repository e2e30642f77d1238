// Package amqpsink forwards bus events to a RabbitMQ topic exchange as JSON.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

const (
	DefaultExchange = "castbot.events"
	publishTimeout  = 5 * time.Second
)

type Config struct {
	URL      string
	Exchange string
	// RoutingKey overrides the per-event routing key (the event type).
	RoutingKey string
}

// Publisher is the subset of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Sink struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	pub  Publisher
}

// New returns a sink that dials lazily on Connect.
func New(cfg Config, log logx.Logger) *Sink {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = DefaultExchange
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, log: log.With(logx.String("comp", "amqpsink"))}
}

// NewWithPublisher wires an existing publisher; Connect becomes a no-op.
func NewWithPublisher(pub Publisher, cfg Config, log logx.Logger) *Sink {
	s := New(cfg, log)
	s.pub = pub
	return s
}

// Connect dials RabbitMQ and declares the durable topic exchange unless a
// live channel already exists.
func (s *Sink) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil && (s.ch == nil || !s.ch.IsClosed()) {
		return nil
	}
	s.closeLocked()

	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	s.conn, s.ch, s.pub = conn, ch, ch
	s.log.Info("connected", logx.String("exchange", s.cfg.Exchange))
	return nil
}

// Run forwards events until ctx ends or the channel is closed. A closed
// AMQP channel is returned so the caller can reconnect.
func (s *Sink) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Forward(ctx, e); err != nil {
				if errors.Is(err, amqp.ErrClosed) {
					return err
				}
				s.log.Warn("event forward failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Forward publishes one event.
func (s *Sink) Forward(ctx context.Context, e eventbus.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	pub := s.pub
	s.mu.Unlock()
	if pub == nil {
		return amqp.ErrClosed
	}

	key := s.cfg.RoutingKey
	if key == "" {
		key = e.Type
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return pub.PublishWithContext(pctx, s.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	})
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Sink) closeLocked() error {
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	if s.ch != nil {
		s.pub = nil
	}
	s.conn, s.ch = nil, nil
	return errors.Join(errs...)
}

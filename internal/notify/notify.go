package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Completion announces that the output of a request is complete.
type Completion struct {
	RequestID string `json:"request_id"`
	StatusURL string `json:"status_url,omitempty"`
}

// Tracker remembers completed requests. It is safe for concurrent use.
type Tracker struct {
	mu   sync.RWMutex
	done map[string]Completion
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{done: make(map[string]Completion)}
}

// Record marks a request as complete.
func (t *Tracker) Record(c Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[c.RequestID] = c
}

// Completed reports whether a completion was received for requestID.
func (t *Tracker) Completed(requestID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.done[requestID]
	return ok
}

// Handle decodes a message body and records it.
func (t *Tracker) Handle(body []byte) error {
	var c Completion
	if err := json.Unmarshal(body, &c); err != nil {
		return fmt.Errorf("notify: decode message: %w", err)
	}
	if c.RequestID == "" {
		return errors.New("notify: message has no request_id")
	}
	t.Record(c)
	return nil
}

// Listener consumes completion messages from a fanout exchange into a
// Tracker.
type Listener struct {
	*Tracker

	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
	done    chan struct{}
}

// Listen connects to the broker at url, binds a private queue to exchange
// and records messages until ctx is cancelled or Close is called.
func Listen(ctx context.Context, url, exchange string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	fail := func(what string, err error) (*Listener, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: %s: %w", what, err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare(
		"",    // name: server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // arguments
	)
	if err != nil {
		return fail("consume", err)
	}

	l := &Listener{
		Tracker: NewTracker(),
		conn:    conn,
		channel: ch,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go l.consume(ctx, msgs)
	logger.Info("listening for request completions", "exchange", exchange, "queue", q.Name)
	return l, nil
}

func (l *Listener) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := l.Handle(msg.Body); err != nil {
				l.logger.Warn("dropping completion message", "error", err)
				msg.Nack(false, false)
				continue
			}
			msg.Ack(false)
		}
	}
}

// Close stops consuming and closes the connection.
func (l *Listener) Close() error {
	err := errors.Join(l.channel.Close(), l.conn.Close())
	<-l.done
	return err
}

// Publish sends a completion to exchange on an open channel.
func Publish(ctx context.Context, ch *amqp.Channel, exchange string, c Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}
	err = ch.PublishWithContext(ctx,
		exchange, // exchange
		"",       // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Handler receives decoded envelopes.
type Handler func(ctx context.Context, e Envelope)

// Bus is the pub/sub channel shared by all servers.
type Bus interface {
	Publish(ctx context.Context, e Envelope) error
	// Subscribe delivers envelopes to h until the returned stop function
	// is called.
	Subscribe(h Handler) (stop func(), err error)
	Close() error
}

// ErrBusClosed is returned after Close.
var ErrBusClosed = errors.New("bus closed")

// MemoryBus delivers envelopes inside one process, in publish order.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	wg     sync.WaitGroup
	closed bool
	logger *slog.Logger
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan []byte), logger: logger}
}

// Publish implements Bus. Envelopes go through the wire encoding so the
// memory bus behaves like the network one.
func (b *MemoryBus) Publish(_ context.Context, e Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs {
		ch <- data
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, 256)
	b.subs[id] = ch

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for data := range ch {
			deliver(h, data, b.logger)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}, nil
}

// Close stops all subscriptions and waits for their handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func deliver(h Handler, data []byte, logger *slog.Logger) {
	e, err := DecodeEnvelope(data)
	if err != nil {
		logger.Warn("dropping sync envelope", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h(ctx, e)
}

// NATSBus publishes envelopes on one NATS subject.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// DialNATS connects to url and returns a bus on subject.
func DialNATS(url, subject, name string, logger *slog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSBus(conn, subject, logger), nil
}

// NewNATSBus wraps an existing connection.
func NewNATSBus(conn *nats.Conn, subject string, logger *slog.Logger) *NATSBus {
	return &NATSBus{conn: conn, subject: subject, logger: logger}
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, e Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", b.subject, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(h Handler) (func(), error) {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		deliver(h, msg.Data, b.logger)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

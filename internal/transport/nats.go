package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var ErrNATSURLRequired = errors.New("transport: nats url required")

type NATSConfig struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
}

// NATSBroker maps hsp topics onto NATS subjects. The client library's own
// reconnect is disabled; the Connector decides when to reconnect.
type NATSBroker struct {
	cfg    NATSConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

func NewNATSBroker(cfg NATSConfig, logger zerolog.Logger) (*NATSBroker, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, ErrNATSURLRequired
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	return &NATSBroker{cfg: cfg, logger: logger}, nil
}

func (b *NATSBroker) Connect(ctx context.Context, onLost func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := b.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	var once sync.Once
	var conn *nats.Conn
	lost := func(err error) {
		if err == nil {
			err = ErrConnectionLost
		}
		b.mu.Lock()
		current := b.conn == conn && conn != nil
		if current {
			b.conn = nil
		}
		b.mu.Unlock()
		if !current || onLost == nil {
			return
		}
		once.Do(func() { onLost(err) })
	}

	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Str("url", b.cfg.URL).Msg("transport.NATSBroker disconnected")
			lost(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			lost(nil)
		}),
	}
	if b.cfg.Name != "" {
		opts = append(opts, nats.Name(b.cfg.Name))
	}

	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return err
	}
	b.mu.Lock()
	conn = nc
	b.conn = nc
	b.mu.Unlock()
	b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("transport.NATSBroker connected")
	return nil
}

func (b *NATSBroker) current() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return b.conn, nil
}

func (b *NATSBroker) Publish(topic string, data []byte) error {
	nc, err := b.current()
	if err != nil {
		return err
	}
	return nc.Publish(protocol.NATSSubject(topic), data)
}

func (b *NATSBroker) Subscribe(pattern string, deliver func(topic string, data []byte)) (Subscription, error) {
	if err := protocol.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	nc, err := b.current()
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(protocol.NATSSubject(pattern), func(m *nats.Msg) {
		deliver(protocol.TopicFromNATSSubject(m.Subject), m.Data)
	})
	if err != nil {
		return nil, err
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	nc := b.conn
	b.conn = nil
	b.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}

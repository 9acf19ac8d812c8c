package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type Nats struct {
	conn           *nats.Conn
	embeddedServer *server.Server
}

var _ PubSub = &Nats{}

// NewEmbeddedNats starts a NATS server inside the controller process and
// connects to it. Agents reach the same server via NewRemoteNats with
// the returned ClientURL.
func NewEmbeddedNats(host string, port int) (*Nats, error) {
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	// Start the server via goroutine
	go ns.Start()

	// Wait for server to be ready for connections
	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("failed to start embedded nats server")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Nats{
		conn:           nc,
		embeddedServer: ns,
	}, nil
}

// NewInMemoryNats starts an embedded server on a random localhost port,
// used by tests and single-process runs.
func NewInMemoryNats() (*Nats, error) {
	return NewEmbeddedNats("127.0.0.1", server.RANDOM_PORT)
}

// NewRemoteNats connects to a controller's NATS endpoint. Used on the
// agent side.
func NewRemoteNats(url string) (*Nats, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &Nats{conn: nc}, nil
}

// ClientURL returns the URL agents should connect to. Empty for remote
// connections.
func (n *Nats) ClientURL() string {
	if n.embeddedServer == nil {
		return ""
	}
	return n.embeddedServer.ClientURL()
}

func (n *Nats) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *Nats) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		err := handler(msg.Data)
		if err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (n *Nats) Request(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := n.conn.RequestWithContext(ctx, topic, payload)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", topic, err)
	}
	return msg.Data, nil
}

func (n *Nats) Reply(_ context.Context, topic string, handler func(payload []byte) ([]byte, error)) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		resp, err := handler(msg.Data)
		if err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling request")
			return
		}
		if err := msg.Respond(resp); err != nil {
			log.Err(err).Str("topic", topic).Msg("error sending reply")
		}
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// Close shuts down the client connection and, when embedded, the server.
func (n *Nats) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
	if n.embeddedServer != nil {
		n.embeddedServer.Shutdown()
	}
}

// Package dbftlibp2p is a [dbftp2p.Connection] over libp2p.
//
// Broadcasts are published on a gossipsub topic named after the envelope category.
// Directed sends open a stream to the destination validator,
// whose peer ID is derived from its consensus key.
package dbftlibp2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftp2p"
	"github.com/gordian-engine/dbft/gcrypto"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// ProtocolDirect is the stream protocol for [Connection.SendTo].
	ProtocolDirect protocol.ID = "/dbft/direct/1.0.0"

	// MaxEnvelopeSize bounds both gossiped and streamed envelopes.
	MaxEnvelopeSize = 4 << 20

	sendTimeout = 2 * time.Second
)

// Connection is a [dbftp2p.Connection] on a libp2p host.
type Connection struct {
	log   *slog.Logger
	host  host.Host
	codec dbftcodec.MarshalCodec

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	hMu     sync.RWMutex
	handler dbftconsensus.EnvelopeHandler

	cancel   context.CancelFunc
	quitOnce sync.Once
	done     chan struct{}
}

var _ dbftp2p.Connection = (*Connection)(nil)

// NewConnection joins the consensus topic on h
// and starts handling inbound envelopes.
// The connection does not own h; the caller closes it after Disconnect.
func NewConnection(
	ctx context.Context, log *slog.Logger, h host.Host, codec dbftcodec.MarshalCodec,
) (*Connection, error) {
	ctx, cancel := context.WithCancel(ctx)

	gs, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMaxMessageSize(MaxEnvelopeSize))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}

	topic, err := gs.Join(dbftconsensus.Category)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to join topic %q: %w", dbftconsensus.Category, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		cancel()
		return nil, fmt.Errorf("failed to subscribe to topic %q: %w", dbftconsensus.Category, err)
	}

	c := &Connection{
		log:   log,
		host:  h,
		codec: codec,

		topic: topic,
		sub:   sub,

		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.SetStreamHandler(ProtocolDirect, func(s network.Stream) {
		c.handleStream(ctx, s)
	})

	go c.readGossip(ctx)

	return c, nil
}

func (c *Connection) Broadcast(ctx context.Context, env dbftconsensus.Envelope) error {
	data, err := c.codec.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := c.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

func (c *Connection) SendTo(ctx context.Context, to gcrypto.PubKey, env dbftconsensus.Envelope) error {
	pid, err := PeerID(to)
	if err != nil {
		return err
	}

	data, err := c.codec.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	s, err := c.host.NewStream(ctx, pid, ProtocolDirect)
	if err != nil {
		return fmt.Errorf("%w: open stream to %s: %v", dbftp2p.ErrPeerNotConnected, pid, err)
	}

	deadline, _ := ctx.Deadline()
	_ = s.SetWriteDeadline(deadline)
	if _, err := s.Write(data); err != nil {
		// Reset so the remote side does not see a truncated envelope as complete.
		if resetErr := s.Reset(); resetErr != nil {
			return errors.Join(fmt.Errorf("writing to stream: %w", err), resetErr)
		}
		return fmt.Errorf("writing to stream: %w", err)
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("closing stream: %w", err)
	}
	return nil
}

func (c *Connection) SetEnvelopeHandler(h dbftconsensus.EnvelopeHandler) {
	c.hMu.Lock()
	defer c.hMu.Unlock()
	c.handler = h
}

func (c *Connection) Disconnect() {
	c.quitOnce.Do(func() {
		c.host.RemoveStreamHandler(ProtocolDirect)
		c.cancel()
		c.sub.Cancel()
		<-c.done
		if err := c.topic.Close(); err != nil {
			c.log.Debug("Failed to close topic", "err", err)
		}
	})
}

func (c *Connection) Disconnected() <-chan struct{} {
	return c.done
}

func (c *Connection) readGossip(ctx context.Context) {
	defer close(c.done)

	self := c.host.ID()
	for {
		msg, err := c.sub.Next(ctx)
		if err != nil {
			c.log.Debug("Stopped reading gossip", "err", err)
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}

		c.deliver(ctx, msg.Data, "gossip")
	}
}

func (c *Connection) handleStream(ctx context.Context, s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, MaxEnvelopeSize+1))
	if err != nil {
		c.log.Debug("Failed to read direct stream", "peer", s.Conn().RemotePeer(), "err", err)
		_ = s.Reset()
		return
	}
	if len(data) > MaxEnvelopeSize {
		c.log.Warn("Dropping oversized direct envelope", "peer", s.Conn().RemotePeer())
		_ = s.Reset()
		return
	}

	c.deliver(ctx, data, "direct")
}

func (c *Connection) deliver(ctx context.Context, data []byte, via string) {
	var env dbftconsensus.Envelope
	if err := c.codec.UnmarshalEnvelope(data, &env); err != nil {
		c.log.Debug("Dropping undecodable envelope", "via", via, "err", err)
		return
	}

	c.hMu.RLock()
	h := c.handler
	c.hMu.RUnlock()
	if h == nil {
		return
	}

	if res := h.HandleEnvelope(ctx, env); res != dbftconsensus.HandleEnvelopeAccepted {
		c.log.Debug("Envelope not accepted", "via", via, "result", res)
	}
}

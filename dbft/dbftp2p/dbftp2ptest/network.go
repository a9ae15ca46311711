// Package dbftp2ptest contains an in-process [dbftp2p.Connection] network
// for tests, with hooks to drop or isolate traffic.
package dbftp2ptest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftp2p"
	"github.com/gordian-engine/dbft/gcrypto"
)

// FilterFunc reports whether an envelope from one validator
// to another should be dropped.
type FilterFunc func(from, to gcrypto.PubKey, env dbftconsensus.Envelope) (drop bool)

// inboxSize is the per-connection queue depth.
// A full inbox drops envelopes, as a congested link would.
const inboxSize = 1024

// Network connects in-process validators.
type Network struct {
	log *slog.Logger
	ctx context.Context

	mu       sync.RWMutex
	conns    []*Connection
	isolated map[string]bool
	filter   FilterFunc

	wg sync.WaitGroup
}

// NewNetwork returns an empty network.
// Connections stop delivering once ctx is cancelled.
func NewNetwork(ctx context.Context, log *slog.Logger) *Network {
	return &Network{
		log:      log,
		ctx:      ctx,
		isolated: make(map[string]bool),
	}
}

// Connect adds a validator to the network.
func (n *Network) Connect(key gcrypto.PubKey) *Connection {
	c := &Connection{
		n:     n,
		key:   key,
		log:   n.log.With("conn", fmt.Sprintf("%x", key.PubKeyBytes()[:4])),
		inbox: make(chan dbftconsensus.Envelope, inboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	n.mu.Lock()
	n.conns = append(n.conns, c)
	n.mu.Unlock()

	n.wg.Add(1)
	go c.deliver(n.ctx)

	return c
}

// SetFilter replaces the drop filter. A nil filter delivers everything.
func (n *Network) SetFilter(f FilterFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Isolate drops all traffic to and from key until [*Network.Heal].
func (n *Network) Isolate(key gcrypto.PubKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[string(key.PubKeyBytes())] = true
}

func (n *Network) Heal(key gcrypto.PubKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, string(key.PubKeyBytes()))
}

// Wait blocks until every connection's delivery goroutine has stopped.
func (n *Network) Wait() {
	n.wg.Wait()
}

// route queues env from sender to each destination accepted by match.
func (n *Network) route(from *Connection, env dbftconsensus.Envelope, match func(*Connection) bool) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.isolated[string(from.key.PubKeyBytes())] {
		return 0
	}

	sent := 0
	for _, to := range n.conns {
		if to == from || !match(to) || to.isDisconnected() {
			continue
		}
		if n.isolated[string(to.key.PubKeyBytes())] {
			continue
		}
		if n.filter != nil && n.filter(from.key, to.key, env) {
			continue
		}

		select {
		case to.inbox <- env:
			sent++
		default:
			to.log.Warn("Inbox full; dropping envelope")
		}
	}
	return sent
}

// Connection is a [dbftp2p.Connection] on a [Network].
type Connection struct {
	n   *Network
	key gcrypto.PubKey
	log *slog.Logger

	inbox chan dbftconsensus.Envelope

	hMu     sync.RWMutex
	handler dbftconsensus.EnvelopeHandler

	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

var _ dbftp2p.Connection = (*Connection)(nil)

func (c *Connection) Broadcast(_ context.Context, env dbftconsensus.Envelope) error {
	c.n.route(c, env, func(*Connection) bool { return true })
	return nil
}

func (c *Connection) SendTo(_ context.Context, to gcrypto.PubKey, env dbftconsensus.Envelope) error {
	found := false
	c.n.route(c, env, func(dst *Connection) bool {
		if dst.key.Equal(to) {
			found = true
			return true
		}
		return false
	})
	if !found {
		return fmt.Errorf("%w: %x", dbftp2p.ErrPeerNotConnected, to.PubKeyBytes())
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
		close(c.quit)
	})
}

func (c *Connection) Disconnected() <-chan struct{} {
	return c.done
}

func (c *Connection) isDisconnected() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *Connection) deliver(ctx context.Context) {
	defer c.n.wg.Done()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case env := <-c.inbox:
			c.hMu.RLock()
			h := c.handler
			c.hMu.RUnlock()

			if h == nil {
				continue
			}
			_ = h.HandleEnvelope(ctx, env)
		}
	}
}

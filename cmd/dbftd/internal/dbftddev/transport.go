package dbftddev

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/dbft/dbft/dbftcodec/dbftcbor"
	"github.com/gordian-engine/dbft/dbft/dbftp2p"
	"github.com/gordian-engine/dbft/dbft/dbftp2p/dbftlibp2p"
	"github.com/gordian-engine/dbft/dbft/dbftp2p/dbftp2ptest"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

type transport interface {
	Connect(ctx context.Context, idx int) (dbftp2p.Connection, error)
	Close()
}

func newTransport(ctx context.Context, log *slog.Logger, kind string, privs []ed25519.PrivateKey) (transport, error) {
	switch kind {
	case TransportInmem:
		return &inmemTransport{
			net:   dbftp2ptest.NewNetwork(ctx, log),
			privs: privs,
		}, nil
	case TransportLibp2p:
		return newLibp2pTransport(ctx, log, privs)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

type inmemTransport struct {
	net   *dbftp2ptest.Network
	privs []ed25519.PrivateKey
}

func (t *inmemTransport) Connect(_ context.Context, idx int) (dbftp2p.Connection, error) {
	key, err := gcrypto.NewEd25519PubKey(t.privs[idx].Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return t.net.Connect(key), nil
}

// Close waits for delivery to stop, which happens once the devnet context is done.
func (t *inmemTransport) Close() {
	t.net.Wait()
}

// libp2pTransport runs one loopback host per validator, fully meshed.
type libp2pTransport struct {
	log   *slog.Logger
	hosts []host.Host
	conns []*dbftlibp2p.Connection
}

func newLibp2pTransport(ctx context.Context, log *slog.Logger, privs []ed25519.PrivateKey) (*libp2pTransport, error) {
	t := &libp2pTransport{
		log:   log,
		hosts: make([]host.Host, 0, len(privs)),
	}

	for i, priv := range privs {
		id, err := dbftlibp2p.Ed25519Identity(priv)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to convert key %d: %w", i, err)
		}

		h, err := libp2p.New(
			libp2p.Identity(id),
			libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to start host %d: %w", i, err)
		}
		t.hosts = append(t.hosts, h)

		log.Info("Started libp2p host", "index", i, "id", h.ID(), "addrs", h.Addrs())
	}

	var err error
	for i, h := range t.hosts {
		for _, other := range t.hosts[i+1:] {
			if cErr := h.Connect(ctx, peer.AddrInfo{ID: other.ID(), Addrs: other.Addrs()}); cErr != nil {
				err = errors.Join(err, cErr)
			}
		}
	}
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to connect hosts: %w", err)
	}

	return t, nil
}

func (t *libp2pTransport) Connect(ctx context.Context, idx int) (dbftp2p.Connection, error) {
	c, err := dbftlibp2p.NewConnection(ctx, t.log.With("index", idx), t.hosts[idx], dbftcbor.MarshalCodec{})
	if err != nil {
		return nil, err
	}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *libp2pTransport) Close() {
	for _, c := range t.conns {
		c.Disconnect()
	}
	for _, h := range t.hosts {
		if err := h.Close(); err != nil {
			t.log.Debug("Failed to close host", "id", h.ID(), "err", err)
		}
	}
}

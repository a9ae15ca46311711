package dbftintegration_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/gordian-engine/dbft/dbft/dbftcodec/dbftcbor"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus/dbftconsensustest"
	"github.com/gordian-engine/dbft/dbft/dbftintegration"
	"github.com/gordian-engine/dbft/dbft/dbftp2p"
	"github.com/gordian-engine/dbft/dbft/dbftp2p/dbftlibp2p"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/gordian-engine/dbft/internal/gtest"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestLibp2p(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p integration test in short mode")
	}
	t.Parallel()

	dbftintegration.RunIntegrationTest(t, func(
		t *testing.T, ctx context.Context, n int,
	) (*dbftconsensustest.Fixture, dbftintegration.Network) {
		privs := make([]ed25519.PrivateKey, n)
		fx := &dbftconsensustest.Fixture{
			Signers: make([]gcrypto.Signer, n),
			Keys:    make([]gcrypto.PubKey, n),

			Network: dbftconsensustest.TestNetwork,
			Codec:   dbftcbor.MarshalCodec{},
		}
		for i := range privs {
			seed := sha256.Sum256([]byte(fmt.Sprintf("libp2p validator %d", i)))
			privs[i] = ed25519.NewKeyFromSeed(seed[:])
			s := gcrypto.NewEd25519Signer(privs[i])
			fx.Signers[i] = s
			fx.Keys[i] = s.PubKey()
		}
		fx.Genesis = dbftconsensus.Header{
			Timestamp:     dbftconsensustest.GenesisTimestamp,
			NextConsensus: dbftconsensus.ConsensusAddress(fx.Keys),
		}

		return fx, &libp2pNet{
			log:   gtest.NewLogger(t).With("sys", "libp2p"),
			privs: privs,
			hosts: make(map[int]host.Host, n),
		}
	})
}

// libp2pNet implements [dbftintegration.Network] with one loopback host per validator.
type libp2pNet struct {
	log   *slog.Logger
	privs []ed25519.PrivateKey

	mu    sync.Mutex
	hosts map[int]host.Host
}

func (n *libp2pNet) Connect(ctx context.Context, idx int) (dbftp2p.Connection, error) {
	id, err := dbftlibp2p.Ed25519Identity(n.privs[idx])
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(id),
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start host %d: %w", idx, err)
	}

	n.mu.Lock()
	peers := make([]peer.AddrInfo, 0, len(n.hosts))
	for _, other := range n.hosts {
		peers = append(peers, peer.AddrInfo{ID: other.ID(), Addrs: other.Addrs()})
	}
	n.hosts[idx] = h
	n.mu.Unlock()

	for _, pi := range peers {
		if err := h.Connect(ctx, pi); err != nil {
			n.log.Warn("Failed to connect to peer", "idx", idx, "peer", pi.ID, "err", err)
		}
	}

	conn, err := dbftlibp2p.NewConnection(ctx, n.log.With("idx", idx), h, dbftcbor.MarshalCodec{})
	if err != nil {
		n.closeHost(idx, h)
		return nil, err
	}
	return &hostConnection{Connection: conn, close: func() { n.closeHost(idx, h) }}, nil
}

func (n *libp2pNet) closeHost(idx int, h host.Host) {
	n.mu.Lock()
	if n.hosts[idx] == h {
		delete(n.hosts, idx)
	}
	n.mu.Unlock()

	if err := h.Close(); err != nil {
		n.log.Debug("Failed to close host", "idx", idx, "err", err)
	}
}

// hostConnection closes its host when disconnected.
type hostConnection struct {
	*dbftlibp2p.Connection
	close func()
	once  sync.Once
}

func (c *hostConnection) Disconnect() {
	c.Connection.Disconnect()
	c.once.Do(c.close)
}


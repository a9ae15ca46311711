package dbfti

import (
	"context"
	"fmt"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/gordian-engine/dbft/internal/gchan"
)

// signedKey identifies a message slot the local validator signs at most once.
type signedKey struct {
	blockIndex uint32
	view       uint8
	msgType    dbftconsensus.MessageType
}

func (k *Kernel) broadcast(ctx context.Context, p *dbftconsensus.Payload) {
	k.checkSelfEquivocation(p)
	_ = gchan.SendC(
		ctx, k.log,
		k.outbox, outbound{env: p.Envelope},
		"queueing envelope for broadcast",
	)
}

func (k *Kernel) sendTo(ctx context.Context, to gcrypto.PubKey, p *dbftconsensus.Payload) {
	k.checkSelfEquivocation(p)
	_ = gchan.SendC(
		ctx, k.log,
		k.outbox, outbound{env: p.Envelope, to: to},
		"queueing envelope for peer",
	)
}

// checkSelfEquivocation reports a failed assertion if the local validator
// is about to send a different prepare request, prepare response or commit
// for a slot it already signed.
func (k *Kernel) checkSelfEquivocation(p *dbftconsensus.Payload) {
	msg := p.Message
	switch msg.Type {
	case dbftconsensus.MessageTypePrepareRequest,
		dbftconsensus.MessageTypePrepareResponse,
		dbftconsensus.MessageTypeCommit:
	default:
		return
	}

	key := signedKey{blockIndex: msg.BlockIndex, view: msg.ViewNumber, msgType: msg.Type}
	h := p.Envelope.Hash()
	prev, ok := k.signed[key]
	if !ok {
		k.signed[key] = h
		return
	}
	if prev == h {
		return
	}

	if k.assertEnv != nil && k.assertEnv.Enabled("dbfti.self_equivocation") {
		k.assertEnv.HandleAssertionFailure(fmt.Errorf(
			"about to send a second %s for height %d view %d (previous %s, new %s)",
			msg.Type, msg.BlockIndex, msg.ViewNumber, prev, h,
		))
	}
}

// outboxLoop hands queued envelopes to the transport,
// keeping network I/O off the main loop.
func (k *Kernel) outboxLoop(ctx context.Context) {
	defer k.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-k.outbox:
			var err error
			if o.to == nil {
				err = k.conn.Broadcast(ctx, o.env)
			} else {
				err = k.conn.SendTo(ctx, o.to, o.env)
			}
			if err != nil {
				k.log.Warn("Failed to send envelope", "err", err)
			}
		}
	}
}

package dbfti

import (
	"context"
	"runtime/trace"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

// onRecoveryRequest answers a validator that asked to catch up.
// Change views for a view we already passed are handled here too.
func (k *Kernel) onRecoveryRequest(ctx context.Context, p *dbftconsensus.Payload) bool {
	defer trace.StartRegion(ctx, "onRecoveryRequest").End()

	h := p.Envelope.Hash()
	if _, ok := k.knownHashes[h]; ok {
		return false
	}
	k.knownHashes[h] = struct{}{}

	msg := p.Message
	k.log.Debug(
		"Received recovery request",
		"h", msg.BlockIndex, "v", msg.ViewNumber,
		"index", msg.ValidatorIndex, "type", msg.Type,
	)

	if k.c.WatchOnly() {
		return true
	}

	if !k.c.CommitSent() && !k.isRecoveryResponder(int(msg.ValidatorIndex)) {
		return true
	}

	rm, err := k.c.MakeRecoveryMessage(ctx)
	if err != nil {
		k.log.Error("Failed to make recovery message", "err", err)
		return true
	}
	k.log.Debug("Sending recovery message", "h", k.c.BlockIndex(), "v", k.c.ViewNumber, "to", msg.ValidatorIndex)
	k.sendTo(ctx, k.c.Validators[msg.ValidatorIndex], rm)
	return true
}

// roundKey identifies a round by height and view.
type roundKey struct {
	blockIndex uint32
	view       uint8
}

// recoverFromAhead asks the network for a recovery message
// after a peer showed it is at a later height or view.
// At most one such request is sent per local round.
func (k *Kernel) recoverFromAhead(ctx context.Context, ahead string) {
	if k.c.WatchOnly() || k.c.CommitSent() {
		return
	}

	key := roundKey{blockIndex: k.c.BlockIndex(), view: k.c.ViewNumber}
	if k.aheadRecovery == key {
		return
	}
	k.aheadRecovery = key

	k.log.Info(
		"Peer is ahead; requesting recovery",
		"h", key.blockIndex, "v", key.view, "ahead_in", ahead,
	)
	k.requestRecovery(ctx)
}

// isRecoveryResponder reports whether the local validator is one of the
// f+1 validators following sender that answer its recovery requests.
func (k *Kernel) isRecoveryResponder(sender int) bool {
	n := len(k.c.Validators)
	for i := 1; i <= k.c.F()+1; i++ {
		if (sender+i)%n == k.c.MyIndex {
			return true
		}
	}
	return false
}

// onRecoveryMessage replays the envelopes bundled by a peer
// through the ordinary handlers.
func (k *Kernel) onRecoveryMessage(ctx context.Context, p *dbftconsensus.Payload) bool {
	defer trace.StartRegion(ctx, "onRecoveryMessage").End()

	k.isRecovering = true
	defer func() { k.isRecovering = false }()

	msg := p.Message
	rm := msg.RecoveryMessage

	var (
		validChangeViews, totalChangeViews     int
		validPrepRequests, totalPrepRequests   int
		validPrepResponses, totalPrepResponses int
		validCommits, totalCommits             int
	)

	k.log.Debug(
		"Received recovery message",
		"h", msg.BlockIndex, "v", msg.ViewNumber, "index", msg.ValidatorIndex,
	)
	defer func() {
		k.log.Debug(
			"Finished recovery message",
			"h", msg.BlockIndex, "v", msg.ViewNumber, "index", msg.ValidatorIndex,
			"change_views", validChangeViews, "change_views_total", totalChangeViews,
			"prep_requests", validPrepRequests, "prep_requests_total", totalPrepRequests,
			"prep_responses", validPrepResponses, "prep_responses_total", totalPrepResponses,
			"commits", validCommits, "commits_total", totalCommits,
		)
	}()

	if msg.ViewNumber > k.c.ViewNumber {
		if k.c.CommitSent() {
			return true
		}
		totalChangeViews = len(rm.ChangeViews)
		for _, env := range rm.ChangeViews {
			if k.reverifyAndProcess(ctx, env, dbftconsensus.MessageTypeChangeView) {
				validChangeViews++
			}
		}
	}

	if msg.ViewNumber == k.c.ViewNumber &&
		!k.c.NotAcceptingPayloadsDueToViewChanging() &&
		!k.c.CommitSent() {
		if !k.c.RequestSentOrReceived() {
			if rm.PrepareRequest != nil {
				totalPrepRequests = 1
				if k.reverifyAndProcess(ctx, *rm.PrepareRequest, dbftconsensus.MessageTypePrepareRequest) {
					validPrepRequests++
				}
			} else if k.c.IsPrimary() {
				k.sendPrepareRequest(ctx)
			}
		}

		totalPrepResponses = len(rm.Preparations)
		for _, env := range rm.Preparations {
			if rm.PrepareRequest == nil && rm.PreparationHash != nil &&
				!k.respondsTo(env, *rm.PreparationHash) {
				k.log.Debug(
					"Skipping bundled prepare response for another request",
					"h", msg.BlockIndex, "v", msg.ViewNumber, "index", msg.ValidatorIndex,
				)
				continue
			}
			if k.reverifyAndProcess(ctx, env, dbftconsensus.MessageTypePrepareResponse) {
				validPrepResponses++
			}
		}
	}

	if msg.ViewNumber <= k.c.ViewNumber {
		totalCommits = len(rm.Commits)
		for _, env := range rm.Commits {
			if k.reverifyAndProcess(ctx, env, dbftconsensus.MessageTypeCommit) {
				validCommits++
			}
		}
	}

	return true
}

// respondsTo reports whether env is a prepare response for the request with hash h.
// Undecodable envelopes report true and are rejected when processed.
func (k *Kernel) respondsTo(env dbftconsensus.Envelope, h dbftconsensus.Hash) bool {
	p, err := k.c.DecodeEnvelope(env)
	if err != nil || p.Message.PrepareResponse == nil {
		return true
	}
	return p.Message.PrepareResponse.PreparationHash == h
}

// reverifyAndProcess reports whether an embedded envelope was valid,
// regardless of whether it changed the round.
func (k *Kernel) reverifyAndProcess(ctx context.Context, env dbftconsensus.Envelope, want dbftconsensus.MessageType) bool {
	switch k.processEnvelope(ctx, env, want) {
	case dbftconsensus.HandleEnvelopeAccepted, dbftconsensus.HandleEnvelopeIgnored:
		return true
	default:
		return false
	}
}

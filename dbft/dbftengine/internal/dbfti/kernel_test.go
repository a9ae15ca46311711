package dbfti

import (
	"testing"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftcontext"
	"github.com/gordian-engine/dbft/gassert/gasserttest"
	"github.com/gordian-engine/dbft/gcrypto/gcryptotest"
	"github.com/gordian-engine/dbft/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestKernel_checkSelfEquivocation(t *testing.T) {
	t.Parallel()

	env := new(gasserttest.RecordingEnv)
	k := &Kernel{
		assertEnv: env,
		signed:    make(map[signedKey]dbftconsensus.Hash),
	}

	payload := func(typ dbftconsensus.MessageType, view uint8, data string) *dbftconsensus.Payload {
		return &dbftconsensus.Payload{
			Envelope: dbftconsensus.Envelope{
				Category:      dbftconsensus.Category,
				ValidBlockEnd: 3,
				Data:          []byte(data),
			},
			Message: dbftconsensus.Message{Type: typ, BlockIndex: 3, ViewNumber: view},
		}
	}

	k.checkSelfEquivocation(payload(dbftconsensus.MessageTypeCommit, 0, "a"))
	k.checkSelfEquivocation(payload(dbftconsensus.MessageTypeCommit, 0, "a"))
	require.Empty(t, env.Failures())

	// Same slot in another view is a separate commit.
	k.checkSelfEquivocation(payload(dbftconsensus.MessageTypeCommit, 1, "b"))
	require.Empty(t, env.Failures())

	// Change views and recovery traffic are re-signed freely.
	k.checkSelfEquivocation(payload(dbftconsensus.MessageTypeChangeView, 0, "c"))
	k.checkSelfEquivocation(payload(dbftconsensus.MessageTypeChangeView, 0, "d"))
	require.Empty(t, env.Failures())

	k.checkSelfEquivocation(payload(dbftconsensus.MessageTypeCommit, 0, "e"))
	failures := env.Failures()
	require.Len(t, failures, 1)
	require.ErrorContains(t, failures[0], "second Commit for height 3 view 0")
}

func TestKernel_isRecoveryResponder(t *testing.T) {
	t.Parallel()

	c := dbftcontext.New(gtest.NewLogger(t), dbftcontext.Config{})
	c.Validators = gcryptotest.DeterministicEd25519PubKeys(7)
	c.MyIndex = 3

	k := &Kernel{c: c}

	// f=2, so each sender is answered by the next three validators.
	for sender, want := range []bool{true, true, true, false, false, false, false} {
		require.Equal(t, want, k.isRecoveryResponder(sender), "sender %d", sender)
	}
}

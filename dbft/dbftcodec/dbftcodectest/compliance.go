package dbftcodectest

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/stretchr/testify/require"
)

// TestMarshalCodecCompliance runs the round trip tests
// every [dbftcodec.MarshalCodec] must pass.
func TestMarshalCodecCompliance(t *testing.T, codec dbftcodec.MarshalCodec) {
	h1 := dbftconsensus.Hash256([]byte("one"))
	h2 := dbftconsensus.Hash256([]byte("two"))

	env := func(data string) dbftconsensus.Envelope {
		return dbftconsensus.Envelope{
			Category:        dbftconsensus.Category,
			ValidBlockStart: 0,
			ValidBlockEnd:   10,
			Sender:          dbftconsensus.Hash160([]byte(data)),
			Data:            []byte(data),
			Witness: dbftconsensus.Witness{
				Invocation:   []byte("sig:" + data),
				Verification: []byte("key:" + data),
			},
		}
	}

	t.Run("messages", func(t *testing.T) {
		prEnv := env("prepare request")
		for _, tc := range []struct {
			name string
			msg  dbftconsensus.Message
		}{
			{
				name: "change view",
				msg: dbftconsensus.Message{
					Type:           dbftconsensus.MessageTypeChangeView,
					BlockIndex:     10,
					ValidatorIndex: 2,
					ViewNumber:     1,
					ChangeView: &dbftconsensus.ChangeView{
						NewViewNumber: 2,
						Timestamp:     1_700_000_000_000,
						Reason:        dbftconsensus.ReasonTxNotFound,
					},
				},
			},
			{
				name: "prepare request",
				msg: dbftconsensus.Message{
					Type:       dbftconsensus.MessageTypePrepareRequest,
					BlockIndex: 10,
					PrepareRequest: &dbftconsensus.PrepareRequest{
						Version:           1,
						PrevHash:          h1,
						Timestamp:         1234,
						Nonce:             5678,
						TransactionHashes: []dbftconsensus.Hash{h1, h2},
					},
				},
			},
			{
				name: "empty prepare request",
				msg: dbftconsensus.Message{
					Type:       dbftconsensus.MessageTypePrepareRequest,
					BlockIndex: 10,
					PrepareRequest: &dbftconsensus.PrepareRequest{
						PrevHash:          h1,
						TransactionHashes: []dbftconsensus.Hash{},
					},
				},
			},
			{
				name: "prepare response",
				msg: dbftconsensus.Message{
					Type:            dbftconsensus.MessageTypePrepareResponse,
					BlockIndex:      10,
					ValidatorIndex:  3,
					PrepareResponse: &dbftconsensus.PrepareResponse{PreparationHash: h2},
				},
			},
			{
				name: "commit",
				msg: dbftconsensus.Message{
					Type:       dbftconsensus.MessageTypeCommit,
					BlockIndex: 10,
					Commit:     &dbftconsensus.Commit{Signature: make([]byte, 64)},
				},
			},
			{
				name: "recovery request",
				msg: dbftconsensus.Message{
					Type:            dbftconsensus.MessageTypeRecoveryRequest,
					BlockIndex:      10,
					RecoveryRequest: &dbftconsensus.RecoveryRequest{Timestamp: 99},
				},
			},
			{
				name: "recovery message with request",
				msg: dbftconsensus.Message{
					Type:       dbftconsensus.MessageTypeRecoveryMessage,
					BlockIndex: 10,
					ViewNumber: 1,
					RecoveryMessage: &dbftconsensus.RecoveryMessage{
						ChangeViews:    []dbftconsensus.Envelope{env("cv0"), env("cv1")},
						PrepareRequest: &prEnv,
						Preparations:   []dbftconsensus.Envelope{env("p1")},
						Commits:        []dbftconsensus.Envelope{env("c1")},
					},
				},
			},
			{
				name: "recovery message with preparation hash",
				msg: dbftconsensus.Message{
					Type:       dbftconsensus.MessageTypeRecoveryMessage,
					BlockIndex: 10,
					RecoveryMessage: &dbftconsensus.RecoveryMessage{
						PreparationHash: &h1,
						Preparations:    []dbftconsensus.Envelope{env("p1"), env("p2")},
					},
				},
			},
		} {
			t.Run(tc.name, func(t *testing.T) {
				b, err := codec.MarshalMessage(tc.msg)
				require.NoError(t, err)

				var got dbftconsensus.Message
				require.NoError(t, codec.UnmarshalMessage(b, &got))
				require.Equal(t, tc.msg, got)
				require.NoError(t, got.Validate())
			})
		}
	})

	t.Run("envelope", func(t *testing.T) {
		e := env("envelope")
		b, err := codec.MarshalEnvelope(e)
		require.NoError(t, err)

		var got dbftconsensus.Envelope
		require.NoError(t, codec.UnmarshalEnvelope(b, &got))
		require.Equal(t, e, got)
		require.Equal(t, e.Hash(), got.Hash())
	})

	t.Run("transaction", func(t *testing.T) {
		tx := dbftconsensus.Transaction{
			Nonce:           1,
			SystemFee:       2,
			NetworkFee:      3,
			ValidUntilBlock: 4,
			Script:          []byte("script"),
		}
		b, err := codec.MarshalTransaction(tx)
		require.NoError(t, err)

		var got dbftconsensus.Transaction
		require.NoError(t, codec.UnmarshalTransaction(b, &got))
		require.Equal(t, tx, got)
	})

	t.Run("block", func(t *testing.T) {
		signers := bitset.New(4)
		signers.Set(0).Set(2).Set(3)

		blk := dbftconsensus.Block{
			Header: dbftconsensus.Header{
				Version:       1,
				PrevHash:      h1,
				MerkleRoot:    h2,
				Timestamp:     5,
				Nonce:         6,
				Index:         7,
				PrimaryIndex:  2,
				NextConsensus: dbftconsensus.Hash160([]byte("nc")),
			},
			Transactions: []dbftconsensus.Transaction{{Script: []byte("tx")}},
			Witness: dbftconsensus.BlockWitness{
				Signers:    signers,
				Signatures: [][]byte{[]byte("s0"), []byte("s2"), []byte("s3")},
			},
		}
		b, err := codec.MarshalBlock(blk)
		require.NoError(t, err)

		var got dbftconsensus.Block
		require.NoError(t, codec.UnmarshalBlock(b, &got))
		require.Equal(t, blk.Header, got.Header)
		require.Equal(t, blk.Transactions, got.Transactions)
		require.Equal(t, blk.Witness.Signatures, got.Witness.Signatures)
		require.True(t, blk.Witness.Signers.Equal(got.Witness.Signers))
	})

	t.Run("round snapshot", func(t *testing.T) {
		p := env("prep")
		c := env("commit")
		s := dbftconsensus.RoundSnapshot{
			Version:           1,
			BlockIndex:        9,
			Timestamp:         100,
			Nonce:             200,
			PrimaryIndex:      1,
			NextConsensus:     dbftconsensus.Hash160([]byte("nc")),
			ViewNumber:        2,
			TransactionHashes: []dbftconsensus.Hash{h1},
			Transactions:      []dbftconsensus.Transaction{{Nonce: 1, Script: []byte("x")}},
			Preparations:      []*dbftconsensus.Envelope{nil, &p, nil, nil},
			Commits:           []*dbftconsensus.Envelope{nil, nil, &c, nil},
			ChangeViews:       make([]*dbftconsensus.Envelope, 4),
			LastChangeViews:   make([]*dbftconsensus.Envelope, 4),
		}
		b, err := codec.MarshalRoundSnapshot(s)
		require.NoError(t, err)

		var got dbftconsensus.RoundSnapshot
		require.NoError(t, codec.UnmarshalRoundSnapshot(b, &got))
		require.Equal(t, s, got)
	})

	t.Run("garbage input", func(t *testing.T) {
		var m dbftconsensus.Message
		require.ErrorIs(t, codec.UnmarshalMessage([]byte{0xff, 0x00, 0x01}, &m), dbftconsensus.ErrMalformed)

		var e dbftconsensus.Envelope
		require.ErrorIs(t, codec.UnmarshalEnvelope(nil, &e), dbftconsensus.ErrMalformed)
	})
}

package dbftddev_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/dbft/cmd/dbftd/internal/dbftddev"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftengine"
	"github.com/gordian-engine/dbft/internal/gtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	name   string
	status dbftengine.EngineStatus
	blocks map[uint32]dbftconsensus.Block
}

func (v fakeValidator) Name() string { return v.name }

func (v fakeValidator) Status(context.Context) (dbftengine.EngineStatus, bool) {
	return v.status, true
}

func (v fakeValidator) Block(h uint32) (dbftconsensus.Block, bool) {
	b, ok := v.blocks[h]
	return b, ok
}

func newTestRouter(t *testing.T, submit func(context.Context, dbftconsensus.Transaction) error) http.Handler {
	t.Helper()

	signers := bitset.New(4)
	signers.Set(0).Set(2).Set(3)

	b1 := dbftconsensus.Block{
		Header:       dbftconsensus.Header{Index: 1, PrimaryIndex: 1, Timestamp: 42},
		Transactions: []dbftconsensus.Transaction{{Nonce: 1, Script: []byte("x")}},
		Witness:      dbftconsensus.BlockWitness{Signers: signers},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"}))

	return dbftddev.NewRouter(gtest.NewLogger(t), dbftddev.HTTPServerConfig{
		Validators: []dbftddev.ValidatorView{
			fakeValidator{
				name:   "0-brave-otter",
				status: dbftengine.EngineStatus{Height: 2, View: 1, Role: "Primary", PrimaryIndex: 0},
				blocks: map[uint32]dbftconsensus.Block{1: b1},
			},
			fakeValidator{
				name:   "1-calm-heron",
				status: dbftengine.EngineStatus{Height: 2, View: 1, Role: "Backup", ViewChanging: true},
			},
		},
		Gatherer: reg,
		Submit:   submit,
	})
}

func TestRouter_validators(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/validators", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got []dbftddev.ValidatorSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 2)
	require.Equal(t, "0-brave-otter", got[0].Name)
	require.Equal(t, "Primary", got[0].Role)
	require.Equal(t, 1, got[1].Index)
	require.True(t, got[1].ViewChanging)
}

func TestRouter_validatorStatus(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/validators/1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got dbftengine.EngineStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Equal(t, "Backup", got.Role)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/validators/7/status", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_block(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/validators/0/blocks/1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got dbftddev.BlockSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Equal(t, uint32(1), got.Index)
	require.Equal(t, uint8(1), got.PrimaryIndex)
	require.Equal(t, []uint{0, 2, 3}, got.Signers)
	require.Len(t, got.Transactions, 1)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/validators/0/blocks/5", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_submitTx(t *testing.T) {
	t.Parallel()

	var got []dbftconsensus.Transaction
	r := newTestRouter(t, func(_ context.Context, tx dbftconsensus.Transaction) error {
		got = append(got, tx)
		return nil
	})

	tx := dbftconsensus.Transaction{Nonce: 9, NetworkFee: 100, ValidUntilBlock: 10, Script: []byte("hi")}
	body, err := json.Marshal(tx)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/transactions", strings.NewReader(string(body))))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp dbftddev.SubmitTxResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, tx.Hash().String(), resp.Hash)
	require.Equal(t, []dbftconsensus.Transaction{tx}, got)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/transactions", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_metrics(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "test_total 0")
}

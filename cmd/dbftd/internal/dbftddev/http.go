package dbftddev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftengine"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ValidatorView is the read side of a running validator, as served over HTTP.
type ValidatorView interface {
	Name() string
	Status(ctx context.Context) (dbftengine.EngineStatus, bool)
	Block(height uint32) (dbftconsensus.Block, bool)
}

type HTTPServer struct {
	done chan struct{}
}

type HTTPServerConfig struct {
	Listener net.Listener

	Validators []ValidatorView

	// Metrics are served at /metrics when set.
	Gatherer prometheus.Gatherer

	// Submit hands a transaction to every validator.
	Submit func(context.Context, dbftconsensus.Transaction) error
}

func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: NewRouter(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

// NewRouter returns the devnet HTTP API.
func NewRouter(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	h := apiHandler{log: log, cfg: cfg}
	r.HandleFunc("/validators", h.HandleValidators).Methods("GET")
	r.HandleFunc("/validators/{idx:[0-9]+}/status", h.HandleValidatorStatus).Methods("GET")
	r.HandleFunc("/validators/{idx:[0-9]+}/blocks/{height:[0-9]+}", h.HandleBlock).Methods("GET")

	if cfg.Submit != nil {
		r.HandleFunc("/transactions", h.HandleSubmitTx).Methods("POST")
	}

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{
			MaxRequestsInFlight: 1,
		})).Methods("GET")
	}

	return r
}

type apiHandler struct {
	log *slog.Logger
	cfg HTTPServerConfig
}

// ValidatorSummary is one entry of the /validators response.
type ValidatorSummary struct {
	Index int
	Name  string

	Height uint32
	View   uint8
	Role   string

	CommitSent   bool
	ViewChanging bool
}

func (h apiHandler) HandleValidators(w http.ResponseWriter, req *http.Request) {
	out := make([]ValidatorSummary, 0, len(h.cfg.Validators))
	for i, v := range h.cfg.Validators {
		s, ok := v.Status(req.Context())
		if !ok {
			http.Error(w, "validator status unavailable", http.StatusServiceUnavailable)
			return
		}
		out = append(out, ValidatorSummary{
			Index: i,
			Name:  v.Name(),

			Height: s.Height,
			View:   s.View,
			Role:   s.Role,

			CommitSent:   s.CommitSent,
			ViewChanging: s.ViewChanging,
		})
	}

	h.writeJSON(w, "validators", http.StatusOK, out)
}

func (h apiHandler) HandleValidatorStatus(w http.ResponseWriter, req *http.Request) {
	v, ok := h.validator(w, req)
	if !ok {
		return
	}

	s, ok := v.Status(req.Context())
	if !ok {
		http.Error(w, "validator status unavailable", http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(w, "validator_status", http.StatusOK, s)
}

// BlockSummary is the /validators/{idx}/blocks/{height} response.
type BlockSummary struct {
	Index        uint32
	Hash         string
	PrevHash     string
	Timestamp    uint64
	PrimaryIndex uint8

	Transactions []string
	Signers      []uint
}

func (h apiHandler) HandleBlock(w http.ResponseWriter, req *http.Request) {
	v, ok := h.validator(w, req)
	if !ok {
		return
	}

	height, err := strconv.ParseUint(mux.Vars(req)["height"], 10, 32)
	if err != nil {
		http.Error(w, "invalid height", http.StatusBadRequest)
		return
	}

	b, ok := v.Block(uint32(height))
	if !ok {
		http.Error(w, fmt.Sprintf("no block at height %d", height), http.StatusNotFound)
		return
	}

	out := BlockSummary{
		Index:        b.Header.Index,
		Hash:         b.Hash().String(),
		PrevHash:     b.Header.PrevHash.String(),
		Timestamp:    b.Header.Timestamp,
		PrimaryIndex: b.Header.PrimaryIndex,

		Transactions: make([]string, len(b.Transactions)),
	}
	for i, tx := range b.Transactions {
		out.Transactions[i] = tx.Hash().String()
	}
	if s := b.Witness.Signers; s != nil {
		for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
			out.Signers = append(out.Signers, i)
		}
	}

	h.writeJSON(w, "block", http.StatusOK, out)
}

// SubmitTxResponse is the response to a successful POST /transactions.
type SubmitTxResponse struct {
	Hash string
}

func (h apiHandler) HandleSubmitTx(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	b, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		h.log.Warn("Failed to read request body", "route", "transactions", "err", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var tx dbftconsensus.Transaction
	if err := json.Unmarshal(b, &tx); err != nil {
		http.Error(w, "failed to decode transaction: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.cfg.Submit(req.Context(), tx); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.writeJSON(w, "transactions", http.StatusAccepted, SubmitTxResponse{Hash: tx.Hash().String()})
}

func (h apiHandler) validator(w http.ResponseWriter, req *http.Request) (ValidatorView, bool) {
	idx, err := strconv.Atoi(mux.Vars(req)["idx"])
	if err != nil || idx >= len(h.cfg.Validators) {
		http.Error(w, "unknown validator", http.StatusNotFound)
		return nil, false
	}
	return h.cfg.Validators[idx], true
}

func (h apiHandler) writeJSON(w http.ResponseWriter, route string, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("Failed to encode response", "route", route, "err", err)
	}
}

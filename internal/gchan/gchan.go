// Package gchan contains helpers for channel operations
// that must also respect context cancellation.
package gchan

import (
	"context"
	"log/slog"
)

// SendC attempts to send val on ch,
// returning false if ctx is canceled first.
//
// The desc argument is only used for the log message on cancellation,
// and should read naturally after "Context canceled while ".
func SendC[T any](
	ctx context.Context, log *slog.Logger,
	ch chan<- T, val T,
	desc string,
) bool {
	select {
	case <-ctx.Done():
		log.Info(
			"Context canceled while "+desc,
			"cause", context.Cause(ctx),
		)
		return false
	case ch <- val:
		return true
	}
}

// RecvC attempts to receive a value from ch,
// returning false if ctx is canceled first.
func RecvC[T any](
	ctx context.Context, log *slog.Logger,
	ch <-chan T,
	desc string,
) (T, bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context canceled while "+desc,
			"cause", context.Cause(ctx),
		)
		var zero T
		return zero, false
	case v := <-ch:
		return v, true
	}
}

// ReqResp sends req on reqCh and then waits for a value on respCh.
// The response channel should be part of req,
// and it should be 1-buffered so the responder never blocks.
func ReqResp[Req, Resp any](
	ctx context.Context, log *slog.Logger,
	reqCh chan<- Req, req Req,
	respCh <-chan Resp,
	desc string,
) (Resp, bool) {
	if !SendC(ctx, log, reqCh, req, "making "+desc+" request") {
		var zero Resp
		return zero, false
	}

	return RecvC(ctx, log, respCh, "receiving "+desc+" response")
}

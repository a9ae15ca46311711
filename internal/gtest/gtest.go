// Package gtest contains helpers shared by tests across the module.
package gtest

import (
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a logger that writes through t.Log,
// so output is only shown for failing or verbose tests.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

var timeFactor = func() float64 {
	s := os.Getenv("DBFT_TEST_TIME_FACTOR")
	if s == "" {
		return 1
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		panic("DBFT_TEST_TIME_FACTOR must be a positive number")
	}
	return f
}()

// ScaleDuration multiplies d by the DBFT_TEST_TIME_FACTOR environment variable,
// for slower machines such as CI runners.
func ScaleDuration(d time.Duration) time.Duration {
	return time.Duration(float64(d) * timeFactor)
}

// ScaleMs is shorthand for ScaleDuration(ms * time.Millisecond).
func ScaleMs(ms int64) time.Duration {
	return ScaleDuration(time.Duration(ms) * time.Millisecond)
}

// ReceiveOrTimeout returns the first value from ch,
// failing the test if nothing arrives within timeout.
func ReceiveOrTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("no value received within %s", timeout)
	}

	panic("unreachable")
}

// ReceiveSoon is ReceiveOrTimeout with a short default timeout.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	return ReceiveOrTimeout(t, ch, ScaleMs(100))
}

// SendSoon sends v on ch, failing the test if the send blocks too long.
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	select {
	case ch <- v:
	case <-time.After(ScaleMs(100)):
		t.Fatalf("send did not complete in time")
	}
}

// NotSending fails the test if a value is immediately available on ch.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("expected no value, got %v", v)
	default:
	}
}

package types

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, ok := RequestID(ctx); ok {
		t.Fatalf("expected no request id on empty context")
	}

	ctx = WithRequestID(ctx, "req-123")
	got, ok := RequestID(ctx)
	if !ok || got != "req-123" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}
}

func TestRequestIDEmptyIsNotOK(t *testing.T) {
	t.Parallel()

	ctx := WithRequestID(context.Background(), "")
	if _, ok := RequestID(ctx); ok {
		t.Fatalf("expected empty request id to report not-ok")
	}
}

package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestRecipientID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RecipientID(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithRecipientID(ctx, -100123)
	if got := RecipientID(ctx); got != -100123 {
		t.Fatalf("expected -100123, got %d", got)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background(), OriginWeb)
	if Origin(ctx) != OriginWeb {
		t.Fatalf("expected origin web, got %q", Origin(ctx))
	}
	if TraceID(ctx) == "-" {
		t.Fatal("expected trace id to be set")
	}
	other := NewRequestContext(context.Background(), OriginWeb)
	if TraceID(ctx) == TraceID(other) {
		t.Fatal("expected distinct trace ids")
	}
}

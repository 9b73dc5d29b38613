package svcctx

import (
	"context"
	"log/slog"
	"testing"

	"github.com/jackzampolin/narrate/internal/home"
)

func TestServicesRoundTrip(t *testing.T) {
	ctx := context.Background()
	if ServicesFrom(ctx) != nil {
		t.Fatal("expected no services on a bare context")
	}
	if LoggerFrom(ctx) != slog.Default() {
		t.Error("expected default logger fallback")
	}
	if HomeFrom(ctx) != nil || StoreFrom(ctx) != nil || ConfigFrom(ctx) != nil {
		t.Error("expected nil extractors on a bare context")
	}

	h, _ := home.New(t.TempDir())
	logger := slog.New(slog.DiscardHandler)
	ctx = WithServices(ctx, &Services{Home: h, Logger: logger})

	if HomeFrom(ctx) != h {
		t.Error("home not carried")
	}
	if LoggerFrom(ctx) != logger {
		t.Error("logger not carried")
	}
	if CheckpointsFrom(ctx) != nil || RegistryFrom(ctx) != nil || RecorderFrom(ctx) != nil {
		t.Error("unset services should be nil")
	}
}

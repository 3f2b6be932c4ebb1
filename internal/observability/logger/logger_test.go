package logger

import (
	"context"
	"testing"

	obscontext "github.com/nerves76/promptreviews-sub034/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithAccountID(ctx, "acct-9")
	ctx = obscontext.WithActor(ctx, "system", "dispatcher")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Fatalf("expected request_id req-1, got %v", fields["request_id"])
	}
	if fields["account_id"] != "acct-9" {
		t.Fatalf("expected account_id acct-9, got %v", fields["account_id"])
	}
	if fields["actor_type"] != "system" || fields["actor_id"] != "dispatcher" {
		t.Fatalf("unexpected actor fields: %v / %v", fields["actor_type"], fields["actor_id"])
	}
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                             "SELECT",
		"  update batch_runs set status = ?":   "UPDATE",
		"WITH x AS (SELECT 1) DELETE FROM foo": "SELECT",
		"":                                     "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}

func TestWithAccountFillsMissingAccount(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	WithAccount(context.Background(), base, " acct-1 ").Info("first")
	WithAccount(obscontext.WithAccountID(context.Background(), "acct-ctx"), base, "acct-2").Info("second")

	entries := logs.All()
	if got := entries[0].ContextMap()["account_id"]; got != "acct-1" {
		t.Fatalf("expected acct-1, got %v", got)
	}
	if got := entries[1].ContextMap()["account_id"]; got != "acct-ctx" {
		t.Fatalf("expected context account to win, got %v", got)
	}
}

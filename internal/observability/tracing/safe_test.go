package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("authorization", "Bearer abc"),
		attribute.String("http.route", "/cron/:dispatcher"),
		attribute.String("payload", `{"keyword":"x"}`),
	)
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(attrs))
	}
	if attrs[0].Key != "http.route" {
		t.Fatalf("expected http.route to be retained, got %s", attrs[0].Key)
	}
}

func TestSafeAttributesTruncatesLongValues(t *testing.T) {
	attrs := SafeAttributes(attribute.String("error", strings.Repeat("x", 1000)))
	if got := len(attrs[0].Value.AsString()); got != maxAttributeLength {
		t.Fatalf("expected truncated length %d, got %d", maxAttributeLength, got)
	}
}

func TestSafeErrorKeepsFirstLine(t *testing.T) {
	err := SafeError(errors.New("checker failed\nstack trace here"))
	if err.Error() != "checker failed" {
		t.Fatalf("unexpected error message %q", err.Error())
	}
	if SafeError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

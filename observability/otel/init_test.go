package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =x,tenant=subst")
	if len(headers) != 2 || headers["api-key"] != "secret" || headers["tenant"] != "subst" {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestFromEnvOverridesConfig(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-team=runtime")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	cfg := FromEnv(Config{ServiceName: "substd", Endpoint: "localhost:4318", Insecure: true})
	if cfg.Endpoint != "collector:4318" || cfg.Insecure || cfg.Headers["x-team"] != "runtime" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "substd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 2} {
		if got := sampler(ratio).Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
			t.Fatalf("ratio %v: unexpected sampler %s", ratio, got)
		}
	}
	if got := sampler(0.25).Description(); got == sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Fatalf("fractional ratio ignored: %s", got)
	}
}

func TestResourceCarriesChainID(t *testing.T) {
	res, err := newResource(Config{ServiceName: "substd", Environment: "test", ChainID: "8a34"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	found := false
	for _, kv := range res.Attributes() {
		if string(kv.Key) == "subst.chain_id" && kv.Value.AsString() == "8a34" {
			found = true
		}
	}
	if !found {
		t.Fatalf("chain id missing from %v", res.Attributes())
	}
}

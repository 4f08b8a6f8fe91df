package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "qacache"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Fatalf("trace context propagator not installed: %v", fields)
	}
}

func TestSampler(t *testing.T) {
	tests := map[float64]string{
		1:   "AlwaysOnSampler",
		2:   "AlwaysOnSampler",
		0:   "AlwaysOffSampler",
		0.5: "ParentBased",
	}
	for rate, want := range tests {
		if got := sampler(rate).Description(); !strings.HasPrefix(got, want) {
			t.Errorf("rate %v: got %q", rate, got)
		}
	}
}

package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordTurn("ok", 1.2)
	m.RecordTurn("ok", 0.8)
	m.RecordTurn("cancelled", 0.1)

	expected := `
		# HELP awchat_turns_total Total completed turns by outcome
		# TYPE awchat_turns_total counter
		awchat_turns_total{outcome="cancelled"} 1
		awchat_turns_total{outcome="ok"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected turn counter state: %v", err)
	}
}

func TestRecordModelRequestTokens(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordModelRequest("gpt-4o", "success", 2.0, 100, 50)
	m.RecordModelRequest("gpt-4o", "success", 1.0, 30, 0)

	expected := `
		# HELP awchat_model_tokens_total Total tokens used by model and type
		# TYPE awchat_model_tokens_total counter
		awchat_model_tokens_total{model="gpt-4o",type="completion"} 50
		awchat_model_tokens_total{model="gpt-4o",type="prompt"} 130
	`
	if err := testutil.CollectAndCompare(m.ModelTokens, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected token counter state: %v", err)
	}
}

func TestStreamGauge(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	if got := testutil.ToFloat64(m.ActiveStreams); got != 1 {
		t.Fatalf("expected 1 active stream, got %v", got)
	}
}

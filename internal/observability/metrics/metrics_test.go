package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("rule_type", "PERCENTAGE"),
		attribute.String("subject_id", "1839201"),
		attribute.String("currency", "USD"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	require.ElementsMatch(t, []attribute.Key{"rule_type", "currency"}, keys)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCommission(context.Background(), "FIXED", "USD", 10)
	m.RecordOrderSplit(context.Background(), "USD")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordCleared(context.Background(), "USD", 1500)
}

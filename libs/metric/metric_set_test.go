package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}

func newTestMetric() *MetricSet {
	m := NewMetricSet()
	m.metrics["TEST"] = &mockMetricItem{name: "TEST"}
	return m
}

func TestMetricSet_HasMetrics(t *testing.T) {
	metric := newTestMetric()

	assert.True(t, metric.HasMetrics("TEST"), "should contain label(TEST)")
	assert.False(t, metric.HasMetrics("FTEST"), "shouldn't contain label(FTEST)")
}

func TestMetricSet_SetMetrics(t *testing.T) {
	metric := newTestMetric()

	mockItem := &mockMetricItem{name: "TEST"}
	assert.Equal(t, ErrMetricLabelExist, metric.SetMetrics("TEST", mockItem), "label(TEST) is taken")
	assert.Nil(t, metric.SetMetrics("TEST1", mockItem), "label(TEST1) should be set")

	assert.True(t, metric.HasMetrics("TEST"), "should contain label(TEST)")
	assert.True(t, metric.HasMetrics("TEST1"), "should contain label(TEST1)")
}

func TestMetricSet_GetAllLabels(t *testing.T) {
	metric := newTestMetric()
	assert.Nil(t, metric.SetMetrics("A", &mockMetricItem{name: "A"}))

	labels := metric.GetAllLabels()

	assert.Equal(t, []string{"A", "TEST"}, labels)
}

func TestMetricSet_Snapshot(t *testing.T) {
	metric := newTestMetric()
	assert.Nil(t, metric.SetMetrics("A", &mockMetricItem{name: "a"}))

	assert.Equal(t, map[string]string{"A": "a", "TEST": "TEST"}, metric.Snapshot())
	assert.Equal(t, map[string]string{"A": "a"}, metric.Snapshot("A", "missing"))
	assert.Nil(t, metric.GetMetrics("missing"))
}

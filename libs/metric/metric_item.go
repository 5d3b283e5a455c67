package metric

// MetricItem is the metrics of one module, rendered as a JSON object.
type MetricItem interface {
	JSONString() string
}

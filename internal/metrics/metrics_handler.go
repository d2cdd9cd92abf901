package metrics

import (
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/logger"
)

// Metric is one structured metric event. Fields never carry the metric,
// metric_type or value keys; those live on the struct.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// Numeric returns the value as float64 when it is a number. Decimal amounts
// such as PnL and funding lose precision here, which is fine for charts.
func (m Metric) Numeric() (float64, bool) {
	switch v := m.Value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case time.Duration:
		return v.Seconds(), true
	case decimal.Decimal:
		return v.InexactFloat64(), true
	}
	return 0, false
}

// MetricHandler consumes every emitted metric. It runs on the emitting
// goroutine, often inside the trade saga, and must not block.
type MetricHandler func(Metric)

type MetricHandlerID uint64

type handlerEntry struct {
	id MetricHandlerID
	fn MetricHandler
}

// handlers is kept in registration order.
var handlers struct {
	sync.RWMutex
	list []handlerEntry
	next MetricHandlerID
}

var nowFunc = time.Now

// RegisterMetricHandler registers fn and returns its id, zero for nil.
func RegisterMetricHandler(fn MetricHandler) MetricHandlerID {
	if fn == nil {
		return 0
	}
	handlers.Lock()
	defer handlers.Unlock()
	handlers.next++
	handlers.list = append(handlers.list, handlerEntry{id: handlers.next, fn: fn})
	return handlers.next
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlers.Lock()
	defer handlers.Unlock()
	for i, h := range handlers.list {
		if h.id == id {
			handlers.list = append(handlers.list[:i:i], handlers.list[i+1:]...)
			return
		}
	}
}

// EmitMetric logs the metric, hands it to every registered handler and
// queues numeric values for CloudWatch when it is enabled.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	m, ok := newMetric(component, metric, value, metricType, fields)
	if !ok {
		return
	}
	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent(component).LogMetric(component, m.Name, m.Value, m.Type, m.Fields)

	handlers.RLock()
	list := handlers.list
	handlers.RUnlock()
	for _, h := range list {
		h.fn(m)
	}

	if sink := cwSink.Load(); sink != nil {
		sink.add(m)
	}
}

func newMetric(component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	own := maps.Clone(fields)
	if own == nil {
		own = logger.Fields{}
	}
	delete(own, "metric")
	delete(own, "metric_type")
	delete(own, "value")
	return Metric{
		Timestamp: nowFunc(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    own,
	}, true
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fundarb/logger"
)

// metricPutter is the part of the CloudWatch client the sink uses.
type metricPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	// PutMetricData takes at most 1000 datums per call.
	maxDatumsPerPut  = 1000
	maxPendingDatums = 10 * maxDatumsPerPut
	flushTimeout     = 10 * time.Second
)

// dimensionKeys are the metric fields promoted to CloudWatch dimensions.
var dimensionKeys = []string{"venue", "class", "symbol", "type", "queue", "stage"}

// cloudWatchSink buffers numeric metrics so emitting never waits on AWS.
// The oldest datums are shed when a flush falls behind.
type cloudWatchSink struct {
	client    metricPutter
	namespace string

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	shed    int
}

var cwSink atomic.Pointer[cloudWatchSink]

func newCloudWatchSink(client metricPutter, namespace string) *cloudWatchSink {
	if namespace == "" {
		namespace = "FundArb"
	}
	return &cloudWatchSink{client: client, namespace: namespace}
}

// InitCloudWatch enables publishing. It fails, leaving publishing off, when
// the AWS configuration cannot be loaded.
func InitCloudWatch(ctx context.Context, region, namespace string) error {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	sink := newCloudWatchSink(cloudwatch.NewFromConfig(cfg), namespace)
	cwSink.Store(sink)
	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    cfg.Region,
		"namespace": sink.namespace,
	}).Info("CloudWatch publishing enabled")
	return nil
}

// StartCloudWatch flushes every interval until ctx ends, then once more so
// the metrics of a clean shutdown are shipped.
func StartCloudWatch(ctx context.Context, interval time.Duration) {
	if cwSink.Load() == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
				FlushCloudWatch(fctx)
				cancel()
				return
			case <-ticker.C:
				fctx, cancel := context.WithTimeout(ctx, flushTimeout)
				FlushCloudWatch(fctx)
				cancel()
			}
		}
	}()
}

// FlushCloudWatch ships everything buffered. It is a no-op when publishing
// is off.
func FlushCloudWatch(ctx context.Context) error {
	sink := cwSink.Load()
	if sink == nil {
		return nil
	}
	err := sink.flush(ctx)
	if err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
	}
	return err
}

func (s *cloudWatchSink) add(m Metric) {
	datum, ok := datumFor(m)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxPendingDatums {
		s.pending = s.pending[1:]
		s.shed++
	}
	s.pending = append(s.pending, datum)
}

func (s *cloudWatchSink) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	shed := s.shed
	s.pending, s.shed = nil, 0
	s.mu.Unlock()

	if shed > 0 {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"shed": shed}).Warn("CloudWatch buffer overflowed")
	}

	var errs []error
	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerPut)
		_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: batch[:n],
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("put %d datums: %w", n, err))
		}
		batch = batch[n:]
	}
	return errors.Join(errs...)
}

// datumFor converts a numeric metric. Text values are log-only.
func datumFor(m Metric) (cwtypes.MetricDatum, bool) {
	value, ok := m.Numeric()
	if !ok {
		return cwtypes.MetricDatum{}, false
	}
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for _, k := range dimensionKeys {
		if v, ok := m.Fields[k].(string); ok && v != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
		}
	}
	return cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(m.Timestamp),
		Unit:       unitFor(m),
		Value:      aws.Float64(value),
	}, true
}

// unitFor reads the unit off the metric name suffix; unsuffixed gauges are
// levels and everything else counts events.
func unitFor(m Metric) cwtypes.StandardUnit {
	switch {
	case strings.HasSuffix(m.Name, "_seconds"):
		return cwtypes.StandardUnitSeconds
	case strings.HasSuffix(m.Name, "_ms"):
		return cwtypes.StandardUnitMilliseconds
	case strings.HasSuffix(m.Name, "_pct"):
		return cwtypes.StandardUnitPercent
	case m.Type == "gauge":
		return cwtypes.StandardUnitNone
	}
	return cwtypes.StandardUnitCount
}

// Package metrics ships buffered control-loop readings to a Prometheus
// remote_write endpoint.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/airbalance/dabctl/buffer"
	"github.com/airbalance/dabctl/types"
)

// TimeSeriesBuilder converts readings to Prometheus time series.
type TimeSeriesBuilder func(ctx context.Context, readings []types.Reading) ([]prompb.TimeSeries, error)

// Config contains configuration for the Prometheus pusher.
type Config struct {
	URL             string `yaml:"url" env:"PROMETHEUS_URL"`
	Username        string `yaml:"username" env:"PROMETHEUS_USERNAME"`
	Password        string `yaml:"password" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSec int    `yaml:"pushIntervalSec" env:"PROMETHEUS_PUSH_INTERVAL" env-default:"30"`
	BatchSize       int    `yaml:"batchSize" env:"PROMETHEUS_BATCH_SIZE" env-default:"500"`
}

// Pusher drains the reading buffer on an interval and pushes batches to the
// remote_write endpoint. Failed batches go back into the buffer.
type Pusher struct {
	cfg       Config
	client    *http.Client
	logger    *zap.Logger
	buffer    *buffer.RingBuffer[types.Reading]
	tsBuilder TimeSeriesBuilder
}

// New creates a pusher with an OpenTelemetry-instrumented HTTP client.
func New(cfg Config, tsBuilder TimeSeriesBuilder, buf *buffer.RingBuffer[types.Reading], logger *zap.Logger) *Pusher {
	if cfg.PushIntervalSec <= 0 {
		cfg.PushIntervalSec = 30
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}
	return &Pusher{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		buffer:    buf,
		tsBuilder: tsBuilder,
	}
}

// Start runs the push loop until ctx is cancelled.
func (p *Pusher) Start(ctx context.Context) {
	interval := time.Duration(p.cfg.PushIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", interval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping")
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Pusher) drain(ctx context.Context) {
	readings := p.buffer.GetAllAndClear()
	if len(readings) == 0 {
		p.logger.Debug("no readings to push")
		return
	}

	for start := 0; start < len(readings); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(readings) {
			end = len(readings)
		}
		if err := p.Push(ctx, readings[start:end]); err != nil {
			p.logger.Error("failed to push batch, re-adding remaining readings to buffer",
				zap.Error(err),
				zap.Int("failed_readings", len(readings)-start),
			)
			for _, r := range readings[start:] {
				p.buffer.Add(r)
			}
			return
		}
	}
}

// Push sends one batch, retrying up to 3 times with exponential backoff.
func (p *Pusher) Push(ctx context.Context, readings []types.Reading) error {
	tracer := otel.Tracer("metrics")
	ctx, span := tracer.Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("metrics.total_readings", len(readings)),
		),
	)
	defer span.End()

	if len(readings) == 0 {
		span.SetStatus(codes.Ok, "no readings to push")
		return nil
	}

	typeCounts := make(map[types.ReadingType]int)
	for _, r := range readings {
		typeCounts[r.Type]++
	}
	for typ, count := range typeCounts {
		span.SetAttributes(
			attribute.Int(fmt.Sprintf("metrics.%s_readings", typ), count),
		)
	}

	timeSeries, err := p.tsBuilder(ctx, readings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "builder failed")
		return fmt.Errorf("time series builder failed: %w", err)
	}
	writeReq := &prompb.WriteRequest{Timeseries: timeSeries}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := p.pushOnce(ctx, writeReq)
		if err == nil {
			logFields := []zap.Field{
				zap.Int("total_data_points", len(readings)),
				zap.Int("attempt", attempt),
			}
			for typ, count := range typeCounts {
				logFields = append(logFields, zap.Int(string(typ)+"_data_points", count))
			}
			p.logger.Info("successfully pushed metrics", logFields...)
			span.SetStatus(codes.Ok, "metrics pushed successfully")
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		// Exponential backoff: 1s, 2s
		if attempt < 3 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "failed after 3 attempts")
	return fmt.Errorf("failed to push metrics after 3 attempts: %w", lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.pushOnce")
	defer span.End()

	data, err := proto.Marshal(writeReq)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)
	span.SetAttributes(
		attribute.Int("metrics.protobuf_size_bytes", len(data)),
		attribute.Int("metrics.compressed_size_bytes", len(compressed)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(compressed))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
		span.RecordError(err)
		return err
	}

	span.SetStatus(codes.Ok, "pushed")
	return nil
}

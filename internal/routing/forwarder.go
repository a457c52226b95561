package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/quietlab/harvest/internal/observability/metrics"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	"go.uber.org/zap"
)

// ErrDeliveryFailed wraps any forward delivery fault so callers can treat
// the whole class as retryable.
var ErrDeliveryFailed = errors.New("forward_delivery_failed")

type batch struct {
	records []pointdomain.RawPointRecord
	bundles map[snowflake.ID]struct{}
}

// Forwarder accumulates forward-classified raw records per destination and
// posts them as batched payloads. One Forwarder serves one ingestion run;
// it is not safe for concurrent use.
type Forwarder struct {
	client    *http.Client
	log       *zap.Logger
	metrics   *obsmetrics.IngestMetrics
	threshold int

	batches map[string]*batch
	failed  map[snowflake.ID]error
}

func NewForwarder(client *http.Client, threshold int, log *zap.Logger, metrics *obsmetrics.IngestMetrics) *Forwarder {
	if threshold <= 0 {
		threshold = 100
	}
	return &Forwarder{
		client:    client,
		log:       log.Named("routing.forwarder"),
		metrics:   metrics,
		threshold: threshold,
		batches:   make(map[string]*batch),
		failed:    make(map[snowflake.ID]error),
	}
}

// Add queues a record for destination on behalf of bundleID. Reaching the
// accumulation threshold triggers an immediate batched delivery.
func (f *Forwarder) Add(ctx context.Context, destination string, bundleID snowflake.ID, record pointdomain.RawPointRecord) {
	b, ok := f.batches[destination]
	if !ok {
		b = &batch{bundles: make(map[snowflake.ID]struct{})}
		f.batches[destination] = b
	}
	b.records = append(b.records, record)
	b.bundles[bundleID] = struct{}{}

	if len(b.records) >= f.threshold {
		f.flush(ctx, destination)
	}
}

// FlushAll delivers every remaining partial batch. Called once at the end of
// an ingestion run.
func (f *Forwarder) FlushAll(ctx context.Context) {
	for destination := range f.batches {
		f.flush(ctx, destination)
	}
}

// FailedBundles reports the bundles whose forwarded points could not all be
// delivered this run. Those bundles must stay pending so the next sweep
// retries them; destinations therefore see at-least-once delivery.
func (f *Forwarder) FailedBundles() map[snowflake.ID]error {
	return f.failed
}

func (f *Forwarder) flush(ctx context.Context, destination string) {
	b, ok := f.batches[destination]
	if !ok || len(b.records) == 0 {
		return
	}
	delete(f.batches, destination)

	err := f.post(ctx, destination, b.records)
	if err != nil {
		for bundleID := range b.bundles {
			f.failed[bundleID] = err
		}
		f.metrics.IncForwardFailure(destination, classifyDeliveryError(err))
		f.log.Warn("forward delivery failed",
			zap.String("destination", destination),
			zap.Int("points", len(b.records)),
			zap.Error(err),
		)
		return
	}

	f.metrics.AddPointsForwarded(destination, len(b.records))
	f.log.Debug("forwarded points",
		zap.String("destination", destination),
		zap.Int("points", len(b.records)),
	)
}

// post sends the batch as a form field named payload holding a JSON array of
// raw records, the same shape the destination's own upload endpoint accepts.
func (f *Forwarder) post(ctx context.Context, destination string, records []pointdomain.RawPointRecord) error {
	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrDeliveryFailed, err)
	}

	values := url.Values{}
	values.Set("payload", string(encoded))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

func classifyDeliveryError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return obsmetrics.ForwardFailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return obsmetrics.ForwardFailureTimeout
	case strings.Contains(err.Error(), "status "):
		return obsmetrics.ForwardFailureStatus
	default:
		return obsmetrics.ForwardFailureNetwork
	}
}

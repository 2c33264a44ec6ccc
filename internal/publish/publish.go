// Package publish is the Result Publisher: builds the typed envelope
// and publishes it on the bus, retrying transient failures with
// exponential backoff before declaring the publish a critical failure.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nanogrid/function-agent/internal/agenterr"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/logctx"
	"github.com/nanogrid/function-agent/internal/metrics"
)

// Publisher is the narrow slice of the bus the result publisher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

const (
	retryAttempts     = 3
	retryStartDelay   = 100 * time.Millisecond
	retryFactor       = 2
)

// ResultPublisher builds envelopes from outcomes and emits them.
type ResultPublisher struct {
	bus          Publisher
	sink         metrics.Sink
	resultPrefix string
}

func New(bus Publisher, sink metrics.Sink, resultPrefix string) *ResultPublisher {
	return &ResultPublisher{bus: bus, sink: sink, resultPrefix: resultPrefix}
}

// Publish builds the envelope for outcome, retries the bus publish
// exponentially (3 attempts, starting at 100ms, factor 2) on transient
// errors, and reports peak memory to the metrics sink. A publish that
// ultimately fails returns a *agenterr.Error{Kind: KindPublishError}: the
// caller must NOT delete the queue message in that case.
func (p *ResultPublisher) Publish(ctx context.Context, runtime string, outcome *job.Outcome) error {
	log := logctx.From(ctx)

	env := outcome.ToEnvelope()
	payload, err := json.Marshal(env)
	if err != nil {
		return agenterr.Wrap(agenterr.KindInternal, "marshal result envelope", err)
	}

	channel := p.resultPrefix + outcome.RequestID

	delay := retryStartDelay
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = p.bus.Publish(ctx, channel, payload)
		if lastErr == nil {
			break
		}
		log.WithError(lastErr).WithField("attempt", attempt).Warn("result publish failed, retrying")
		if attempt == retryAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = retryAttempts
		}
		delay *= retryFactor
	}

	// metric failures are swallowed per the spec's Result Publisher.
	func() {
		defer func() { recover() }()
		p.sink.ObservePeakMemory(outcome.FunctionID, runtime, outcome.PeakMemoryBytes)
		p.sink.CountExit(string(outcome.Status))
	}()

	if lastErr != nil {
		return agenterr.Wrap(agenterr.KindPublishError, "publish result envelope after retries", lastErr)
	}
	return nil
}

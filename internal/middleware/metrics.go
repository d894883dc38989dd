// Package middleware provides the gateway's pipeline stages and the echo
// middleware used by the persistent server.
package middleware

import (
	"context"
	"strconv"
	"time"

	"chat-gateway-go/internal/metrics"
	"chat-gateway-go/internal/pipeline"
	"chat-gateway-go/internal/stream"
)

// Metrics returns a pipeline stage that records Prometheus metrics for each
// request. prefix is the service url prefix, stripped before labelling.
//
// Stream responses are wrapped so that chunks and the final outcome are
// counted while the adapter relays them.
func Metrics(m *metrics.Metrics, prefix string) pipeline.Stage {
	return func(ctx context.Context, req *pipeline.Request, _ *pipeline.Builder, next pipeline.Next) (*pipeline.Response, error) {
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		res, err := next(ctx, req)

		// An error here is turned into a failure response by the chain; it
		// is counted with the status that response will carry.
		status := 0
		switch {
		case err != nil:
			status = pipeline.Failure(err).Status()
		case res != nil:
			status = res.Status()
		}

		code := strconv.Itoa(status)
		method := metrics.NormalizeMethod(req.Method)
		path := metrics.NormalizePath(prefix, req.Path)
		duration := time.Since(req.Time).Seconds()

		m.RequestsTotal.WithLabelValues(method, code, path).Inc()
		m.RequestDuration.WithLabelValues(method, code, path).Observe(duration)

		if err == nil && res != nil && res.IsStream() {
			res = res.Observe(
				func(int) { m.StreamChunks.Inc() },
				func(o stream.Outcome) { m.StreamsTotal.WithLabelValues(string(o)).Inc() },
			)
		}
		return res, err
	}
}

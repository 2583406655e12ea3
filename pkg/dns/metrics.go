package dns

import (
	"context"
	"time"

	"dnsgate/pkg/forwarder"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (s *Server) recordQuery(ctx context.Context, family forwarder.Family, qtypeLabel string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family.String()),
		attribute.String("type", qtypeLabel),
	))
}

func (s *Server) recordDecodeDrop(ctx context.Context, family forwarder.Family) {
	if s.metrics == nil {
		return
	}
	s.metrics.DecodeDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("family", family.String())))
}

// recordBlockedQuery tags the blocked counter with the origin of the matching entry.
func (s *Server) recordBlockedQuery(ctx context.Context, source, qtypeLabel string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueriesBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("type", qtypeLabel),
		attribute.String("policy", s.policy),
	))
}

func (s *Server) recordOutcome(ctx context.Context, upstream string, exhausted bool) {
	if s.metrics == nil {
		return
	}
	if exhausted {
		s.metrics.QueriesExhausted.Add(ctx, 1)
		return
	}
	s.metrics.QueriesForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream", upstream)))
}

func (s *Server) recordDuration(ctx context.Context, d time.Duration, path string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.String("path", path)))
}

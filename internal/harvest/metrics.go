package harvest

import (
	"context"

	"reviewtrail/internal/export"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("reviewtrail/harvest")

type instruments struct {
	items     metric.Int64Counter
	documents metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments() (instruments, error) {
	items, err := meter.Int64Counter(
		"reviewtrail.items",
		metric.WithDescription("Items finished per platform and status"),
	)
	if err != nil {
		return instruments{}, err
	}
	documents, err := meter.Int64Counter(
		"reviewtrail.documents",
		metric.WithDescription("Documents handled per platform and outcome"),
	)
	if err != nil {
		return instruments{}, err
	}
	duration, err := meter.Float64Histogram(
		"reviewtrail.run.duration",
		metric.WithDescription("Wall time of one platform extraction"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return instruments{}, err
	}
	return instruments{items: items, documents: documents, duration: duration}, nil
}

func (i instruments) record(ctx context.Context, s export.Summary) {
	if i.items == nil {
		return
	}
	platform := attribute.String("platform", s.Platform)
	add := func(c metric.Int64Counter, n int, key, value string) {
		if n == 0 {
			return
		}
		c.Add(ctx, int64(n), metric.WithAttributes(platform, attribute.String(key, value)))
	}
	add(i.items, s.Done, "status", "done")
	add(i.items, s.Failed, "status", "failed")
	add(i.items, s.Cancelled, "status", "cancelled")
	add(i.documents, s.Documents.Downloaded, "outcome", "downloaded")
	add(i.documents, s.Documents.Unchanged, "outcome", "unchanged")
	add(i.documents, s.Documents.Failed, "outcome", "failed")
	i.duration.Record(
		ctx,
		s.FinishedAt.Sub(s.StartedAt).Seconds(),
		metric.WithAttributes(platform),
	)
}

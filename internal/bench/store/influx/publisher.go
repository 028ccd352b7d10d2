// Package influx mirrors trial records into an InfluxDB bucket as "trial"
// points so runs can be charted alongside the monitored system.
package influx

import (
	"context"
	"fmt"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const Measurement = "trial"

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type Publisher struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health check %s: %w", cfg.URL, err)
	}
	return &Publisher{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (p *Publisher) Append(ctx context.Context, records ...runner.TrialRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(records))
	for _, r := range records {
		points = append(points, Point(r))
	}
	if err := p.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d trial points: %w", len(points), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

// Point converts a record. Labels become tags; measurements become fields.
func Point(r runner.TrialRecord) *write.Point {
	pt := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("run_id", r.RunID).
		AddTag("workload_id", r.WorkloadID).
		AddTag("category", r.Category).
		AddTag("kind", string(r.Kind)).
		AddTag("backend", r.Backend).
		AddTag("access_path", string(r.AccessPath)).
		AddField("duration_ms", float64(r.Duration.Microseconds())/1000).
		AddField("rows_returned", r.RowsReturned).
		AddField("trial", r.Trial).
		AddField("success", r.Success).
		SetTime(r.Timestamp)

	for k, v := range r.Labels {
		pt.AddTag(k, v)
	}
	if r.ErrorKind != runner.ErrorKindNone {
		pt.AddTag("error_kind", string(r.ErrorKind))
	}
	if r.RowsExamined != nil {
		pt.AddField("rows_examined", *r.RowsExamined)
	}
	if r.CacheHitRatio != nil {
		pt.AddField("cache_hit_ratio", *r.CacheHitRatio)
	}
	return pt
}

var _ runner.Sink = (*Publisher)(nil)

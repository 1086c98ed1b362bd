package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"train-tracking-sim/shared/config"
)

// Point is one telemetry sample before it is converted to line protocol.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS / 1000)).
		SetPrecision(time.Millisecond)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

// WritePoints writes all samples in one blocking request.
func (c *Client) WritePoints(ctx context.Context, points []Point) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if len(points) == 0 {
		return nil
	}
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, ToWire(points)...)
}

// ToWire converts samples into client points, stamping zero times with now.
func ToWire(points []Point) []*write.Point {
	now := time.Now().UTC()
	out := make([]*write.Point, 0, len(points))
	for _, p := range points {
		ts := p.Time
		if ts.IsZero() {
			ts = now
		}
		out = append(out, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, ts))
	}
	return out
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx not reachable")
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}

package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"raffle-market-platform/shared/config"
)

// Client records sales and contribution time-series for dashboards. Writes
// are best-effort: callers log failures and never fail the mutation.
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
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	return &Client{
		client: influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts),
		org:    cfg.InfluxOrg,
		bucket: cfg.InfluxBucket,
	}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(measurement, tags, fields, ts)
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, p)
}

func (c *Client) WriteTicketSale(ctx context.Context, raffleID string, quantity int, totalSold int) error {
	return c.WritePoint(ctx, "ticket_sales",
		map[string]string{"raffle_id": raffleID},
		map[string]any{"quantity": quantity, "total_sold": totalSold},
		time.Time{})
}

func (c *Client) WriteContribution(ctx context.Context, donationID string, amount int64, raisedTotal int64) error {
	return c.WritePoint(ctx, "contributions",
		map[string]string{"donation_id": donationID},
		map[string]any{"amount": amount, "raised_total": raisedTotal},
		time.Time{})
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}

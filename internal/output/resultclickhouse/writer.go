package resultclickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"funnelscope/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL       string
	Database  string
	Table     string
	BinsTable string
	Username  string
	Password  string
	Timeout   time.Duration
	Headers   map[string]string
}

// Writer sends report rows to ClickHouse via HTTP JSONEachRow.
type Writer struct {
	base      string
	database  string
	table     string
	binsTable string
	headers   map[string]string
	client    *http.Client
}

// stepRow is one funnel step; breakdown groups and the aggregate pass each
// produce their own rows.
type stepRow struct {
	RunID                   string   `json:"run_id"`
	GeneratedAt             string   `json:"generated_at"`
	Funnel                  string   `json:"funnel"`
	RangeFrom               string   `json:"range_from"`
	RangeTo                 string   `json:"range_to"`
	BreakdownValue          string   `json:"breakdown_value"`
	IsAggregate             uint8    `json:"is_aggregate"`
	Step                    int      `json:"step"`
	Label                   string   `json:"label"`
	EventName               string   `json:"event_name"`
	Count                   int64    `json:"count"`
	ConversionRate          float64  `json:"conversion_rate"`
	DropOff                 int64    `json:"drop_off"`
	DropOffRate             float64  `json:"drop_off_rate"`
	AvgTimeToConvertSeconds *float64 `json:"avg_time_to_convert_seconds"`
}

type binRow struct {
	RunID          string  `json:"run_id"`
	Funnel         string  `json:"funnel"`
	FromStep       int     `json:"from_step"`
	ToStep         int     `json:"to_step"`
	Bin            int     `json:"bin"`
	BinFrom        float64 `json:"bin_from"`
	BinTo          float64 `json:"bin_to"`
	Count          int64   `json:"count"`
	AverageSeconds *int64  `json:"average_seconds"`
	MedianSeconds  *int64  `json:"median_seconds"`
	SampleSize     int     `json:"sample_size"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "funnel_steps"
	}
	if cfg.BinsTable == "" {
		cfg.BinsTable = "ttc_bins"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		base:      strings.TrimRight(cfg.URL, "/"),
		database:  cfg.Database,
		table:     cfg.Table,
		binsTable: cfg.BinsTable,
		headers:   headers,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// WriteReport inserts the rows of one report.
func (w *Writer) WriteReport(ctx context.Context, report *models.Report) error {
	switch {
	case report.Funnel != nil:
		return w.insert(ctx, w.table, stepRows(report))
	case report.TimeToConvert != nil:
		return w.insert(ctx, w.binsTable, binRows(report))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func stepRows(report *models.Report) []interface{} {
	res := report.Funnel
	base := stepRow{
		RunID:       res.RunID,
		GeneratedAt: formatTime(res.GeneratedAt),
		Funnel:      report.Name,
		RangeFrom:   formatTime(report.Range.From),
		RangeTo:     formatTime(report.Range.To),
	}

	rows := make([]interface{}, 0, len(res.Steps)+len(res.AggregateSteps))
	add := func(s models.StepResult, aggregate bool) {
		row := base
		if s.BreakdownValue != nil {
			row.BreakdownValue = *s.BreakdownValue
		}
		if aggregate {
			row.IsAggregate = 1
		}
		row.Step = s.Step
		row.Label = s.Label
		row.EventName = s.EventName
		row.Count = s.Count
		row.ConversionRate = s.ConversionRate
		row.DropOff = s.DropOff
		row.DropOffRate = s.DropOffRate
		row.AvgTimeToConvertSeconds = s.AvgTimeToConvertSeconds
		rows = append(rows, row)
	}
	for _, s := range res.Steps {
		add(s, false)
	}
	for _, s := range res.AggregateSteps {
		add(s, true)
	}
	return rows
}

func binRows(report *models.Report) []interface{} {
	res := report.TimeToConvert
	rows := make([]interface{}, 0, len(res.Bins))
	for i, b := range res.Bins {
		rows = append(rows, binRow{
			RunID:          res.RunID,
			Funnel:         report.Name,
			FromStep:       res.FromStep,
			ToStep:         res.ToStep,
			Bin:            i,
			BinFrom:        b.From,
			BinTo:          b.To,
			Count:          b.Count,
			AverageSeconds: res.AverageSeconds,
			MedianSeconds:  res.MedianSeconds,
			SampleSize:     res.SampleSize,
		})
	}
	return rows
}

func (w *Writer) insert(ctx context.Context, table string, rows []interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(w.database), quoteIdent(table))
	endpoint := w.base + "/?query=" + url.QueryEscape(q)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"funnelscope/internal/logger"
	"funnelscope/internal/transform/eventjson"
	"funnelscope/pkg/models"
)

var ingestedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "funnelscope_ingest_records_total",
	Help: "Ingest records by outcome",
}, []string{"kind"})

const finalFlushTimeout = 10 * time.Second

// Options tunes the ingest pipeline.
type Options struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	// MaxWriteAttempts bounds retries of a failed batch write; 0 retries
	// until the context is cancelled.
	MaxWriteAttempts int
	RetryDelay       time.Duration
}

// Stats counts what one run of the pipeline did.
type Stats struct {
	Read        int64 `json:"read"`
	Events      int64 `json:"events"`
	Memberships int64 `json:"memberships"`
	Rejected    int64 `json:"rejected"`
}

// IngestPipeline reads JSON payloads, decodes them and writes batches to an
// event store.
type IngestPipeline struct {
	source Source
	writer EventWriter
	opts   Options

	read, events, memberships, rejected atomic.Int64
}

// NewIngestPipeline creates a pipeline from source to writer.
func NewIngestPipeline(source Source, writer EventWriter, opts Options) *IngestPipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &IngestPipeline{source: source, writer: writer, opts: opts}
}

// Run consumes the source until it is exhausted or ctx is cancelled. Records
// already decoded are flushed before Run returns.
func (p *IngestPipeline) Run(ctx context.Context) (Stats, error) {
	logger.Infof("Ingest pipeline started (workers=%d batch=%d)", p.opts.Workers, p.opts.BatchSize)

	msgCh := make(chan []byte, p.opts.Workers*4)
	workCh := make(chan *eventjson.Record, p.opts.Workers*4)
	writerDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(msgCh)
		return p.readLoop(gctx, msgCh)
	})

	var workers sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(msgCh, workCh, writerDone)
		}()
	}
	go func() {
		workers.Wait()
		close(workCh)
	}()

	g.Go(func() error {
		defer close(writerDone)
		return p.writeLoop(ctx, workCh)
	})

	err := g.Wait()
	workers.Wait()

	stats := p.Stats()
	logger.Infof("Ingest pipeline stopped: read=%d events=%d memberships=%d rejected=%d",
		stats.Read, stats.Events, stats.Memberships, stats.Rejected)
	if err != nil && ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, err
}

// Stats returns the counters so far.
func (p *IngestPipeline) Stats() Stats {
	return Stats{
		Read:        p.read.Load(),
		Events:      p.events.Load(),
		Memberships: p.memberships.Load(),
		Rejected:    p.rejected.Load(),
	}
}

// Close releases pipeline resources.
func (p *IngestPipeline) Close() error {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			logger.Errorf("Failed to close event writer: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *IngestPipeline) readLoop(ctx context.Context, out chan<- []byte) error {
	for {
		payload, err := p.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf("Failed to read ingest payload: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		p.read.Add(1)
		select {
		case out <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *IngestPipeline) workerLoop(in <-chan []byte, out chan<- *eventjson.Record, writerDone <-chan struct{}) {
	for payload := range in {
		rec, err := eventjson.Parse(payload)
		if err != nil {
			p.rejected.Add(1)
			ingestedRecords.WithLabelValues("rejected").Inc()
			logger.Warnf("Failed to parse ingest record: %v", err)
			continue
		}
		select {
		case out <- rec:
		case <-writerDone:
			return
		}
	}
}

func (p *IngestPipeline) writeLoop(ctx context.Context, in <-chan *eventjson.Record) error {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	// Batches in flight are written even while shutting down.
	writeCtx := context.WithoutCancel(ctx)

	var events []models.Event
	var members []models.Membership

	flush := func(wctx context.Context) error {
		if len(events) > 0 {
			batch := events
			if err := p.withRetry(ctx, "events", func() error { return p.writer.WriteEvents(wctx, batch) }); err != nil {
				return err
			}
			p.events.Add(int64(len(batch)))
			ingestedRecords.WithLabelValues("event").Add(float64(len(batch)))
			events = nil
		}
		if len(members) > 0 {
			batch := members
			if err := p.withRetry(ctx, "memberships", func() error { return p.writer.WriteMemberships(wctx, batch) }); err != nil {
				return err
			}
			p.memberships.Add(int64(len(batch)))
			ingestedRecords.WithLabelValues("membership").Add(float64(len(batch)))
			members = nil
		}
		return nil
	}

	for {
		select {
		case <-ticker.C:
			if err := flush(writeCtx); err != nil {
				return err
			}
		case rec, ok := <-in:
			if !ok {
				fctx, cancel := context.WithTimeout(writeCtx, finalFlushTimeout)
				defer cancel()
				return flush(fctx)
			}
			switch {
			case rec.Event != nil:
				events = append(events, *rec.Event)
			case rec.Membership != nil:
				members = append(members, *rec.Membership)
			}
			if len(events)+len(members) >= p.opts.BatchSize {
				if err := flush(writeCtx); err != nil {
					return err
				}
			}
		}
	}
}

func (p *IngestPipeline) withRetry(ctx context.Context, what string, write func() error) error {
	for attempt := 1; ; attempt++ {
		err := write()
		if err == nil {
			return nil
		}
		logger.Errorf("Failed to write %s (attempt %d): %v", what, attempt, err)
		if p.opts.MaxWriteAttempts > 0 && attempt >= p.opts.MaxWriteAttempts {
			return fmt.Errorf("write %s: %w", what, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("write %s: %w", what, err)
		case <-time.After(p.opts.RetryDelay):
		}
	}
}

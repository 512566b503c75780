package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	inputredis "funnelscope/internal/input/redis"
	"funnelscope/internal/logger"
	"funnelscope/internal/pipeline"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	File  string
	Drain bool
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load events and population memberships into the event store",
		Long: `Read JSON records and write them to the configured event store.

Without --file the command consumes the configured Redis list until it is
interrupted, or until the list is empty with --drain. With --file it imports a JSON lines file ("-" for stdin) and
exits at the end of it.

Example:
  funnelscope ingest --file ./events.jsonl
  funnelscope ingest --config ./funnelscope.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "JSON lines file to import instead of the Redis list")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "stop once the Redis list stays empty for one block timeout")
	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var (
		source pipeline.Source
		pOpts  = pipeline.Options{
			Workers:       cfg.FunnelScope.Ingest.Workers,
			BatchSize:     cfg.FunnelScope.Ingest.BatchSize,
			FlushInterval: cfg.FunnelScope.Ingest.FlushInterval,
		}
	)
	if opts.File != "" {
		src, err := pipeline.OpenFile(opts.File)
		if err != nil {
			return err
		}
		source = src
		pOpts.MaxWriteAttempts = 3
		logger.Infof("Ingest input: file (%s)", opts.File)
	} else {
		in := cfg.FunnelScope.Input.Redis
		list, err := inputredis.NewListSource(inputredis.Config{
			Addr:         in.Addr,
			Password:     in.Password,
			DB:           in.DB,
			Key:          in.Key,
			BlockTimeout: in.BlockTimeout,
			Prefetch:     in.Prefetch,
			Drain:        opts.Drain,
		})
		if err != nil {
			return fmt.Errorf("create redis list source: %w", err)
		}
		source = list
		logger.Infof("Ingest input: redis list %s on %s", in.Key, in.Addr)
	}

	store, err := openStore(cfg)
	if err != nil {
		closeQuietly("ingest source", source)
		return fmt.Errorf("open event store: %w", err)
	}

	p := pipeline.NewIngestPipeline(source, store, pOpts)
	defer closeQuietly("ingest pipeline", p)

	stop := startMetrics(cfg)
	defer stop()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	stats, err := p.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ingest: %w", err)
	}
	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		return enc.Encode(stats)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "read %d, events %d, memberships %d, rejected %d\n",
		stats.Read, stats.Events, stats.Memberships, stats.Rejected)
	return err
}

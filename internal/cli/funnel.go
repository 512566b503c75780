package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"funnelscope/config"
	"funnelscope/internal/funnel"
	"funnelscope/internal/logger"
	"funnelscope/pkg/models"
)

// QueryOptions holds the flags shared by the funnel and ttc commands.
type QueryOptions struct {
	*RootOptions
	From    string
	To      string
	Project string
}

func (o *QueryOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.From, "from", "", "range start (RFC3339 or YYYY-MM-DD), empty for open")
	cmd.Flags().StringVar(&o.To, "to", "", "range end, inclusive (RFC3339 or YYYY-MM-DD), empty for open")
	cmd.Flags().StringVar(&o.Project, "project", "", "project override")
}

func (o *QueryOptions) dateRange() (models.DateRange, error) {
	from, err := parseBound(o.From, false)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("--from: %w", err)
	}
	to, err := parseBound(o.To, true)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("--to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return models.DateRange{}, fmt.Errorf("--to %s is before --from %s", o.To, o.From)
	}
	return models.DateRange{From: from, To: to}, nil
}

// parseBound reads RFC 3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseBound(value string, upper bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", value)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

// NewFunnelCommand creates the funnel command.
func NewFunnelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "funnel <definition.yaml>",
		Short: "Compute step counts and conversion rates for a funnel",
		Long: `Compute a funnel over the configured event store.

Example:
  funnelscope funnel ./funnels/checkout.yaml --from 2026-03-01 --to 2026-03-31
  funnelscope funnel ./funnels/checkout.yaml --format json --project web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFunnel(cmd, opts, args[0])
		},
	}
	opts.bind(cmd)
	return cmd
}

// query is a loaded definition plus everything needed to run it.
type query struct {
	cfg    *config.Config
	spec   *funnel.Spec
	rng    models.DateRange
	store  eventStore
	output resultWriter
	stop   func()
}

func (q *query) close() {
	q.stop()
	closeQuietly("output", q.output)
	closeQuietly("event store", q.store)
	_ = logger.Sync()
}

func prepareQuery(cmd *cobra.Command, opts *QueryOptions, definition string) (*query, error) {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return nil, err
	}
	spec, err := funnel.LoadDefinition(definition)
	if err != nil {
		return nil, err
	}
	rng, err := opts.dateRange()
	if err != nil {
		return nil, err
	}

	switch {
	case opts.Project != "":
		spec.Project = opts.Project
	case spec.Project == "":
		spec.Project = cfg.FunnelScope.Source.Project
	}
	if spec.Breakdown != nil && spec.Breakdown.Limit == 0 {
		spec.Breakdown.Limit = cfg.FunnelScope.Engine.BreakdownLimit
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	output, err := openOutput(cfg, opts.Format, cmd.OutOrStdout())
	if err != nil {
		closeQuietly("event store", store)
		return nil, fmt.Errorf("open output: %w", err)
	}

	return &query{
		cfg:    cfg,
		spec:   spec,
		rng:    rng,
		store:  store,
		output: output,
		stop:   startMetrics(cfg),
	}, nil
}

func (q *query) engine() *funnel.Engine {
	return funnel.NewEngine(q.store, q.store, funnel.Config{Workers: q.cfg.FunnelScope.Engine.Workers})
}

func runFunnel(cmd *cobra.Command, opts *QueryOptions, definition string) error {
	q, err := prepareQuery(cmd, opts, definition)
	if err != nil {
		return err
	}
	defer q.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	res, err := q.engine().RunFunnel(ctx, q.spec, q.rng)
	if err != nil {
		return fmt.Errorf("run funnel %q: %w", q.spec.Name, err)
	}
	logFunnelRun(q.spec, res)

	return q.output.WriteReport(ctx, &models.Report{
		Kind:   models.ReportFunnel,
		Name:   q.spec.Name,
		Range:  q.rng,
		Funnel: res,
	})
}

func logFunnelRun(spec *funnel.Spec, res *models.FunnelResult) {
	steps := res.Steps
	if len(res.AggregateSteps) > 0 {
		steps = res.AggregateSteps
	}
	var entered, converted int64
	if len(steps) > 0 {
		entered = steps[0].Count
		converted = steps[len(steps)-1].Count
	}
	logger.L().Info("funnel computed",
		zap.String("run_id", res.RunID),
		zap.String("funnel", spec.Name),
		zap.Int("steps", len(spec.Steps)),
		zap.Int64("entered", entered),
		zap.Int64("converted", converted),
		zap.Int("breakdown_groups", len(res.BreakdownSteps)),
	)
}

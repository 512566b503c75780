package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"funnelscope/internal/logger"
	"funnelscope/pkg/models"
)

// TimeToConvertOptions holds flags for the ttc command.
type TimeToConvertOptions struct {
	QueryOptions
	FromStep int
	ToStep   int
}

// NewTimeToConvertCommand creates the ttc command.
func NewTimeToConvertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TimeToConvertOptions{QueryOptions: QueryOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "ttc <definition.yaml>",
		Short: "Distribution of time taken between two funnel steps",
		Long: `Histogram, average and median of the time converting entities took to get
from one step to a later one. Steps are numbered from 0.

Example:
  funnelscope ttc ./funnels/checkout.yaml --from-step 0 --to-step 2 --from 2026-03-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeToConvert(cmd, opts, args[0])
		},
	}
	opts.bind(cmd)
	cmd.Flags().IntVar(&opts.FromStep, "from-step", 0, "first step, 0-based")
	cmd.Flags().IntVar(&opts.ToStep, "to-step", 1, "target step, 0-based")
	return cmd
}

func runTimeToConvert(cmd *cobra.Command, opts *TimeToConvertOptions, definition string) error {
	q, err := prepareQuery(cmd, &opts.QueryOptions, definition)
	if err != nil {
		return err
	}
	defer q.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	res, err := q.engine().RunTimeToConvert(ctx, q.spec, opts.FromStep, opts.ToStep, q.rng)
	if err != nil {
		return fmt.Errorf("time to convert %q: %w", q.spec.Name, err)
	}
	logger.Infof("Time to convert computed: run=%s samples=%d bins=%d", res.RunID, res.SampleSize, len(res.Bins))

	return q.output.WriteReport(ctx, &models.Report{
		Kind:          models.ReportTimeToConvert,
		Name:          q.spec.Name,
		Range:         q.rng,
		TimeToConvert: res,
	})
}

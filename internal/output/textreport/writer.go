// Package textreport renders reports as aligned plain-text tables.
package textreport

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"funnelscope/pkg/models"
)

// Writer renders reports to an io.Writer. Styling only applies when the
// destination is a terminal.
type Writer struct {
	mu    sync.Mutex
	out   io.Writer
	title lipgloss.Style
	dim   lipgloss.Style
}

// NewWriter renders to out.
func NewWriter(out io.Writer) *Writer {
	r := lipgloss.NewRenderer(out)
	return &Writer{
		out:   out,
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		dim:   r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// WriteReport renders one report followed by a blank line.
func (w *Writer) WriteReport(_ context.Context, report *models.Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	switch {
	case report.Funnel != nil:
		err = w.writeFunnel(report)
	case report.TimeToConvert != nil:
		err = w.writeTimeToConvert(report)
	default:
		return fmt.Errorf("report %q carries no result", report.Kind)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w.out)
	return err
}

// Close is a no-op; the destination belongs to the caller.
func (w *Writer) Close() error {
	return nil
}

func (w *Writer) writeFunnel(report *models.Report) error {
	res := report.Funnel
	if _, err := fmt.Fprintln(w.out, w.title.Render(heading(report, "funnel"))); err != nil {
		return err
	}
	if err := w.writeMeta(report, res.RunID); err != nil {
		return err
	}

	if len(res.BreakdownSteps) == 0 {
		return writeSteps(w.out, res.Steps)
	}
	for _, group := range res.BreakdownSteps {
		if _, err := fmt.Fprintf(w.out, "\n%s\n", w.title.Render("Breakdown: "+group.Value)); err != nil {
			return err
		}
		if err := writeSteps(w.out, group.Steps); err != nil {
			return err
		}
	}
	if len(res.AggregateSteps) > 0 {
		if _, err := fmt.Fprintf(w.out, "\n%s\n", w.title.Render("All entities")); err != nil {
			return err
		}
		if err := writeSteps(w.out, res.AggregateSteps); err != nil {
			return err
		}
	}
	if res.Truncated != nil && *res.Truncated {
		if _, err := fmt.Fprintln(w.out, w.dim.Render("Breakdown truncated to the most common values.")); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeTimeToConvert(report *models.Report) error {
	res := report.TimeToConvert
	title := fmt.Sprintf("%s, step %d to %d", heading(report, "time to convert"), res.FromStep, res.ToStep)
	if _, err := fmt.Fprintln(w.out, w.title.Render(title)); err != nil {
		return err
	}
	if err := w.writeMeta(report, res.RunID); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Samples\t%d\n", res.SampleSize)
	fmt.Fprintf(tw, "Average\t%s\n", optionalSeconds(res.AverageSeconds))
	fmt.Fprintf(tw, "Median\t%s\n", optionalSeconds(res.MedianSeconds))
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(res.Bins) == 0 {
		return nil
	}

	fmt.Fprintln(w.out)
	tw = tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM\tTO\tCOUNT")
	for _, b := range res.Bins {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", seconds(b.From), seconds(b.To), b.Count)
	}
	return tw.Flush()
}

func (w *Writer) writeMeta(report *models.Report, runID string) error {
	meta := "run " + runID
	if r := report.Range; !r.From.IsZero() || !r.To.IsZero() {
		meta += ", " + formatBound(r.From) + " to " + formatBound(r.To)
	}
	_, err := fmt.Fprintln(w.out, w.dim.Render(meta))
	return err
}

func writeSteps(out io.Writer, steps []models.StepResult) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tLABEL\tEVENT\tCOUNT\tCONVERSION\tDROP OFF\tAVG TIME")
	for _, s := range steps {
		avg := "-"
		if s.AvgTimeToConvertSeconds != nil {
			avg = seconds(*s.AvgTimeToConvertSeconds)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d (%s)\t%s\n",
			s.Step, s.Label, s.EventName, s.Count, pct(s.ConversionRate), s.DropOff, pct(s.DropOffRate), avg)
	}
	return tw.Flush()
}

func heading(report *models.Report, kind string) string {
	if report.Name == "" {
		return kind
	}
	return report.Name + " " + kind
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.UTC().Format(time.RFC3339)
}

func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}

func seconds(v float64) string {
	return (time.Duration(v * float64(time.Second))).Round(time.Second).String()
}

func optionalSeconds(v *int64) string {
	if v == nil {
		return "-"
	}
	return (time.Duration(*v) * time.Second).String()
}

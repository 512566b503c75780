package funnel

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"funnelscope/internal/logger"
	"funnelscope/pkg/models"
)

// EventSource yields per-entity timelines for a project and date range.
// Entity identities are already resolved.
type EventSource interface {
	Timelines(ctx context.Context, q models.TimelineQuery) ([]models.Timeline, error)
}

// PopulationMembership reports whether an entity belonged to a population at an instant.
type PopulationMembership interface {
	IsMember(ctx context.Context, populationID, entityID string, asOf time.Time) (bool, error)
}

// Config configures an Engine.
type Config struct {
	Workers int
}

// Engine evaluates funnels over an event source.
type Engine struct {
	source  EventSource
	members PopulationMembership
	workers int
	// popSem serializes population passes; each one is a full source scan.
	popSem *semaphore.Weighted
	now    func() time.Time
}

// NewEngine creates an engine. members may be nil when no spec uses populations.
func NewEngine(source EventSource, members PopulationMembership, cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	return &Engine{
		source:  source,
		members: members,
		workers: workers,
		popSem:  semaphore.NewWeighted(1),
		now:     time.Now,
	}
}

// RunFunnel computes step counts for spec over the date range.
func (e *Engine) RunFunnel(ctx context.Context, spec *Spec, r models.DateRange) (*models.FunnelResult, error) {
	if err := e.validate(spec); err != nil {
		runsTotal.WithLabelValues("funnel", "", "invalid").Inc()
		return nil, err
	}
	start := time.Now()

	var res *models.FunnelResult
	var err error
	switch {
	case spec.Breakdown.byPopulation():
		res, err = e.runPopulationBreakdown(ctx, spec, r)
	case spec.Breakdown.byProperty():
		res, err = e.runPropertyBreakdown(ctx, spec, r)
	default:
		res, err = e.runPlain(ctx, spec, r)
	}

	runsTotal.WithLabelValues("funnel", string(spec.order()), resultLabel(err)).Inc()
	runDuration.WithLabelValues("funnel").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	res.RunID = uuid.NewString()
	res.GeneratedAt = e.now().UTC()
	logger.Debugf("Funnel %q finished in %s (order=%s steps=%d)", spec.Name, time.Since(start), spec.order(), len(spec.Steps))
	return res, nil
}

// RunTimeToConvert computes the distribution of durations between two steps.
func (e *Engine) RunTimeToConvert(ctx context.Context, spec *Spec, fromStep, toStep int, r models.DateRange) (*models.TimeToConvertResult, error) {
	err := e.validate(spec)
	if err == nil {
		err = spec.ValidateTimeToConvert(fromStep, toStep)
	}
	if err != nil {
		runsTotal.WithLabelValues("time_to_convert", "", "invalid").Inc()
		return nil, err
	}
	start := time.Now()

	results, err := e.resolve(ctx, spec, r, "", "")
	runsTotal.WithLabelValues("time_to_convert", string(spec.order()), resultLabel(err)).Inc()
	runDuration.WithLabelValues("time_to_convert").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	durations := conversionDurations(results, fromStep, toStep, spec.window().Seconds())
	res := Distribution(durations)
	res.RunID = uuid.NewString()
	res.FromStep = fromStep
	res.ToStep = toStep
	return &res, nil
}

func (e *Engine) validate(spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if len(spec.populations()) > 0 && e.members == nil {
		return invalidf("population filters need a membership source")
	}
	return nil
}

func (e *Engine) runPlain(ctx context.Context, spec *Spec, r models.DateRange) (*models.FunnelResult, error) {
	results, err := e.resolve(ctx, spec, r, "", "")
	if err != nil {
		return nil, err
	}
	total, _, err := reduceResults(ctx, results, len(spec.Steps), e.workers, false)
	if err != nil {
		return nil, err
	}
	return &models.FunnelResult{Steps: buildSteps(spec, total, true, nil)}, nil
}

func (e *Engine) runPropertyBreakdown(ctx context.Context, spec *Spec, r models.DateRange) (*models.FunnelResult, error) {
	results, err := e.resolve(ctx, spec, r, "", spec.Breakdown.Property)
	if err != nil {
		return nil, err
	}
	n := len(spec.Steps)

	var aggregate []models.StepResult
	var groups []models.BreakdownGroup
	var truncated bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, _, err := reduceResults(gctx, results, n, e.workers, false)
		if err != nil {
			return err
		}
		aggregate = buildSteps(spec, total, false, nil)
		return nil
	})
	g.Go(func() error {
		_, keyed, err := reduceResults(gctx, results, n, e.workers, true)
		if err != nil {
			return err
		}
		values, tr := selectTopValues(keyed, spec.Breakdown.limit())
		truncated = tr
		if none, ok := keyed[""]; ok && none.enteredFirst() > 0 {
			values = append(values, "")
		}
		groups = make([]models.BreakdownGroup, 0, len(values))
		for _, v := range values {
			label := displayValue(v)
			groups = append(groups, models.BreakdownGroup{
				Value:  label,
				IsNone: v == "",
				Steps:  buildSteps(spec, keyed[v], false, &label),
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.FunnelResult{
		Steps:          flattenGroups(groups),
		BreakdownSteps: groups,
		AggregateSteps: aggregate,
		Truncated:      &truncated,
	}, nil
}

func (e *Engine) runPopulationBreakdown(ctx context.Context, spec *Spec, r models.DateRange) (*models.FunnelResult, error) {
	pops := spec.Breakdown.Populations
	n := len(spec.Steps)
	groups := make([]models.BreakdownGroup, len(pops))
	var aggregate []models.StepResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := e.resolve(gctx, spec, r, "", "")
		if err != nil {
			return err
		}
		total, _, err := reduceResults(gctx, results, n, e.workers, false)
		if err != nil {
			return err
		}
		aggregate = buildSteps(spec, total, false, nil)
		return nil
	})
	for i, pop := range pops {
		g.Go(func() error {
			if err := e.popSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer e.popSem.Release(1)

			results, err := e.resolve(gctx, spec, r, pop.ID, "")
			if err != nil {
				return err
			}
			total, _, err := reduceResults(gctx, results, n, e.workers, false)
			if err != nil {
				return err
			}
			label := pop.DisplayName()
			steps := []models.StepResult{}
			if total.enteredFirst() > 0 {
				steps = buildSteps(spec, total, false, &label)
			}
			groups[i] = models.BreakdownGroup{Value: label, Steps: steps}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.FunnelResult{
		Steps:          flattenGroups(groups),
		BreakdownSteps: groups,
		AggregateSteps: aggregate,
	}, nil
}

func flattenGroups(groups []models.BreakdownGroup) []models.StepResult {
	out := []models.StepResult{}
	for _, g := range groups {
		out = append(out, g.Steps...)
	}
	return out
}

// resolve runs one pass over the source: every timeline is matched, reduced
// to its winning attempt and checked against exclusions and populations.
func (e *Engine) resolve(ctx context.Context, spec *Spec, r models.DateRange, populationID, keyProperty string) ([]entityResult, error) {
	timelines, err := e.source.Timelines(ctx, models.TimelineQuery{
		Project:    spec.Project,
		Range:      r,
		EventNames: spec.eventNames(),
	})
	if err != nil {
		return nil, err
	}

	matcher := newStepMatcher(spec.Steps)
	results := make([]entityResult, len(timelines))
	var excluded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, bounds := range chunkBounds(len(timelines), e.workers) {
		g.Go(func() error {
			for i := bounds[0]; i < bounds[1]; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := e.resolveEntity(gctx, spec, matcher, &timelines[i], r, populationID, keyProperty)
				if err != nil {
					return err
				}
				if res.excluded {
					excluded.Add(1)
				}
				results[i] = res.entityResult
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entitiesResolved.WithLabelValues(string(spec.order())).Add(float64(len(timelines)))
	entitiesExcluded.Add(float64(excluded.Load()))
	logger.Debugf("Funnel pass: entities=%d excluded=%d population=%q", len(timelines), excluded.Load(), populationID)
	return results, nil
}

type resolvedEntity struct {
	entityResult
	excluded bool
}

func (e *Engine) resolveEntity(ctx context.Context, spec *Spec, matcher *stepMatcher, tl *models.Timeline, r models.DateRange, populationID, keyProperty string) (resolvedEntity, error) {
	events := eventsInRange(tl.Events, r)
	masks := matcher.masks(events)
	n := len(spec.Steps)

	var a Attempt
	switch spec.order() {
	case Unordered:
		a = resolveUnordered(events, masks, n, spec.windowMs())
	default:
		a = resolveSequential(events, masks, n, spec.windowMs(), spec.order() == Strict)
	}

	out := resolvedEntity{entityResult: entityResult{attempt: a, included: a.Entered()}}
	if !out.included {
		return out, nil
	}

	asOf := r.To
	if asOf.IsZero() {
		asOf = e.now()
	}
	for _, id := range []string{restrictionID(spec), populationID} {
		if id == "" {
			continue
		}
		ok, err := e.members.IsMember(ctx, id, tl.EntityID, asOf)
		if err != nil {
			return out, err
		}
		if !ok {
			out.included = false
			return out, nil
		}
	}

	if len(spec.Exclusions) > 0 && isExcluded(a, events, spec.Exclusions, spec.order() == Unordered) {
		out.included = false
		out.excluded = true
		return out, nil
	}
	if keyProperty != "" {
		out.key = breakdownKey(a, events, keyProperty)
	}
	return out, nil
}

func restrictionID(spec *Spec) string {
	if spec.Population == nil {
		return ""
	}
	return spec.Population.ID
}

// eventsInRange returns the events inside r ordered by timestamp and arrival.
// The input slice is never reordered.
func eventsInRange(events []models.Event, r models.DateRange) []models.Event {
	out := events
	for i := range events {
		if !r.Contains(events[i].Timestamp) {
			out = make([]models.Event, 0, len(events))
			for _, ev := range events {
				if r.Contains(ev.Timestamp) {
					out = append(out, ev)
				}
			}
			break
		}
	}
	sorted := sort.SliceIsSorted(out, func(i, j int) bool {
		ti, tj := out[i].Millis(), out[j].Millis()
		if ti != tj {
			return ti < tj
		}
		return out[i].Seq < out[j].Seq
	})
	if !sorted {
		cp := make([]models.Event, len(out))
		copy(cp, out)
		models.SortEvents(cp)
		out = cp
	}
	return out
}

package funnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelscope/internal/source/memory"
	"funnelscope/pkg/models"
)

var fullRange = models.DateRange{From: base.Add(-60 * day), To: base.Add(day)}

func newTestEngine(t *testing.T, events ...models.Event) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.WriteEvents(context.Background(), events))
	return NewEngine(store, store, Config{Workers: 2}), store
}

type failingSource struct {
	err error
}

func (f failingSource) Timelines(context.Context, models.TimelineQuery) ([]models.Timeline, error) {
	return nil, f.err
}

type failingMembership struct {
	err error
}

func (f failingMembership) IsMember(context.Context, string, string, time.Time) (bool, error) {
	return false, f.err
}

func TestRunFunnelTwoEntityExample(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base.Add(-3000*time.Millisecond), nil),
		ev("a", "purchase", base.Add(-1000*time.Millisecond), nil),
		ev("b", "signup", base.Add(-3000*time.Millisecond), nil),
	)
	spec := &Spec{Steps: stepsOf("signup", "purchase"), Window: 7 * day}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.NotEmpty(t, res.RunID)

	first, second := res.Steps[0], res.Steps[1]
	assert.Equal(t, 1, first.Step)
	assert.Equal(t, "signup", first.Label)
	assert.Equal(t, int64(2), first.Count)
	assert.Equal(t, 100.0, first.ConversionRate)
	assert.Equal(t, int64(1), first.DropOff)
	assert.Equal(t, 50.0, first.DropOffRate)
	require.NotNil(t, first.AvgTimeToConvertSeconds)
	assert.Equal(t, 2.0, *first.AvgTimeToConvertSeconds)

	assert.Equal(t, int64(1), second.Count)
	assert.Equal(t, 50.0, second.ConversionRate)
	assert.Equal(t, int64(0), second.DropOff)
	assert.Equal(t, 0.0, second.DropOffRate)
	assert.Nil(t, second.AvgTimeToConvertSeconds)
	assert.Nil(t, res.BreakdownSteps)
	assert.Nil(t, res.Truncated)
}

func TestRunFunnelMultiAttemptAverage(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base.Add(-34*day), nil),
		ev("a", "signup", base.Add(-2*day), nil),
		ev("a", "purchase", base, nil),
	)
	spec := &Spec{Steps: stepsOf("signup", "purchase"), Window: 7 * day}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	require.NotNil(t, res.Steps[0].AvgTimeToConvertSeconds)
	assert.Equal(t, float64(2*24*3600), *res.Steps[0].AvgTimeToConvertSeconds)
}

func TestRunFunnelEmptyResultKeepsLabels(t *testing.T) {
	engine, _ := newTestEngine(t)
	spec := &Spec{
		Steps: []Step{
			{Events: []string{"signup"}, Label: "Signed up"},
			{Events: []string{"purchase", "checkout"}},
			{Events: []string{"review"}},
		},
	}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, "Signed up", res.Steps[0].Label)
	assert.Equal(t, "purchase or checkout", res.Steps[1].Label)
	assert.Equal(t, "purchase,checkout", res.Steps[1].EventName)
	for _, s := range res.Steps {
		assert.Equal(t, int64(0), s.Count)
		assert.Equal(t, 0.0, s.ConversionRate)
		assert.Nil(t, s.AvgTimeToConvertSeconds)
	}
}

func TestRunFunnelCountsAreMonotonic(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "a", base, nil), ev("a", "b", base.Add(time.Minute), nil), ev("a", "c", base.Add(2*time.Minute), nil),
		ev("b", "a", base, nil), ev("b", "c", base.Add(time.Minute), nil),
		ev("c", "a", base, nil), ev("c", "b", base.Add(time.Minute), nil),
		ev("d", "b", base, nil), ev("d", "c", base.Add(time.Minute), nil),
	)
	spec := &Spec{Steps: stepsOf("a", "b", "c"), Window: day}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	counts := []int64{res.Steps[0].Count, res.Steps[1].Count, res.Steps[2].Count}
	assert.Equal(t, []int64{3, 2, 1}, counts)
	assert.Equal(t, 33.3, res.Steps[2].ConversionRate)
	assert.Equal(t, 33.3, res.Steps[0].DropOffRate)
}

func TestRunFunnelRangeIsInclusive(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base, nil),
		ev("a", "purchase", base.Add(time.Hour), nil),
		ev("b", "signup", base.Add(-time.Millisecond), nil),
	)
	spec := &Spec{Steps: stepsOf("signup", "purchase"), Window: day}

	res, err := engine.RunFunnel(context.Background(), spec, models.DateRange{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Steps[0].Count)
	assert.Equal(t, int64(1), res.Steps[1].Count)
}

func TestRunFunnelStrictVersusOrdered(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base, nil),
		ev("a", "pageview", base.Add(time.Minute), nil),
		ev("a", "purchase", base.Add(2*time.Minute), nil),
	)

	ordered, err := engine.RunFunnel(context.Background(), &Spec{Steps: stepsOf("signup", "purchase"), Order: Ordered}, fullRange)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ordered.Steps[1].Count)

	strict, err := engine.RunFunnel(context.Background(), &Spec{Steps: stepsOf("signup", "purchase"), Order: Strict}, fullRange)
	require.NoError(t, err)
	assert.Equal(t, int64(0), strict.Steps[1].Count)
}

func TestRunFunnelUnorderedNeedsFirstStep(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "invite", base, nil),
		ev("a", "purchase", base.Add(time.Minute), nil),
		ev("b", "purchase", base, nil),
		ev("b", "signup", base.Add(time.Minute), nil),
	)
	spec := &Spec{Steps: stepsOf("signup", "invite", "purchase"), Order: Unordered, Window: day}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 0}, []int64{res.Steps[0].Count, res.Steps[1].Count, res.Steps[2].Count})
}

func TestRunFunnelExclusionRemovesFromAllSteps(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base, nil),
		ev("a", "cancel", base.Add(time.Minute), nil),
		ev("a", "purchase", base.Add(2*time.Minute), nil),
		ev("b", "signup", base, nil),
		ev("b", "purchase", base.Add(time.Minute), nil),
	)
	spec := &Spec{
		Steps:      stepsOf("signup", "purchase"),
		Window:     day,
		Exclusions: []Exclusion{{Event: "cancel", FromStep: 0, ToStep: 1}},
	}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Steps[0].Count)
	assert.Equal(t, int64(1), res.Steps[1].Count)
}

func TestRunFunnelUnorderedExclusionUsesStepIdentity(t *testing.T) {
	engine, _ := newTestEngine(t,
		// cancel falls between signup and invite even though purchase came second.
		ev("a", "signup", base, nil),
		ev("a", "purchase", base.Add(time.Minute), nil),
		ev("a", "cancel", base.Add(2*time.Minute), nil),
		ev("a", "invite", base.Add(3*time.Minute), nil),
		// cancel before the anchor leaves the conversion alone.
		ev("b", "cancel", base.Add(-time.Hour), nil),
		ev("b", "signup", base, nil),
		ev("b", "invite", base.Add(time.Minute), nil),
		ev("b", "purchase", base.Add(2*time.Minute), nil),
	)
	spec := &Spec{
		Steps:      stepsOf("signup", "invite", "purchase"),
		Order:      Unordered,
		Window:     day,
		Exclusions: []Exclusion{{Event: "cancel", FromStep: 0, ToStep: 1}},
	}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1}, []int64{res.Steps[0].Count, res.Steps[1].Count, res.Steps[2].Count})
}

func TestRunFunnelPropertyBreakdown(t *testing.T) {
	var events []models.Event
	add := func(entity string, props models.Properties, converts bool) {
		events = append(events, ev(entity, "signup", base, props))
		if converts {
			events = append(events, ev(entity, "purchase", base.Add(time.Hour), nil))
		}
	}
	add("p1", models.Properties{"plan": "pro"}, true)
	add("p2", models.Properties{"plan": "pro"}, true)
	add("p3", models.Properties{"plan": "pro"}, false)
	add("f1", models.Properties{"plan": "free"}, false)
	add("f2", models.Properties{"plan": "free"}, true)
	add("t1", models.Properties{"plan": "team"}, true)
	add("n1", models.Properties{"plan": ""}, false)
	add("n2", nil, true)

	engine, _ := newTestEngine(t, events...)
	spec := &Spec{
		Steps:     stepsOf("signup", "purchase"),
		Window:    day,
		Breakdown: &Breakdown{Property: "plan", Limit: 2},
	}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	require.NotNil(t, res.Truncated)
	assert.True(t, *res.Truncated)

	require.Len(t, res.BreakdownSteps, 3)
	assert.Equal(t, "pro", res.BreakdownSteps[0].Value)
	assert.Equal(t, "free", res.BreakdownSteps[1].Value)
	assert.Equal(t, NoneValue, res.BreakdownSteps[2].Value)

	pro := res.BreakdownSteps[0].Steps
	assert.Equal(t, int64(3), pro[0].Count)
	assert.Equal(t, int64(2), pro[1].Count)
	assert.Equal(t, 66.7, pro[1].ConversionRate)
	require.NotNil(t, pro[0].BreakdownValue)
	assert.Equal(t, "pro", *pro[0].BreakdownValue)
	assert.Nil(t, pro[0].AvgTimeToConvertSeconds)

	none := res.BreakdownSteps[2].Steps
	assert.Equal(t, int64(2), none[0].Count)
	assert.Equal(t, int64(1), none[1].Count)

	require.Len(t, res.AggregateSteps, 2)
	assert.Equal(t, int64(8), res.AggregateSteps[0].Count)
	assert.Equal(t, int64(5), res.AggregateSteps[1].Count)
	assert.Nil(t, res.AggregateSteps[0].AvgTimeToConvertSeconds)
	assert.Len(t, res.Steps, 6)
}

func TestRunFunnelBreakdownLiteralNoneValue(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base, models.Properties{"source": NoneValue}),
		ev("b", "signup", base, models.Properties{"source": NoneValue}),
		ev("c", "signup", base, nil),
	)
	spec := &Spec{
		Steps:     stepsOf("signup", "purchase"),
		Window:    day,
		Breakdown: &Breakdown{Property: "source"},
	}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	require.Len(t, res.BreakdownSteps, 2)

	literal, missing := res.BreakdownSteps[0], res.BreakdownSteps[1]
	assert.Equal(t, `"(none)"`, literal.Value)
	assert.False(t, literal.IsNone)
	assert.Equal(t, int64(2), literal.Steps[0].Count)

	assert.Equal(t, NoneValue, missing.Value)
	assert.True(t, missing.IsNone)
	assert.Equal(t, int64(1), missing.Steps[0].Count)
	assert.NotEqual(t, literal.Value, missing.Value)
}

func TestRunFunnelBreakdownFollowsWinningAttempt(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base.Add(-30*day), models.Properties{"plan": "free"}),
		ev("a", "signup", base.Add(-day), models.Properties{"plan": "pro"}),
		ev("a", "purchase", base, nil),
	)
	spec := &Spec{
		Steps:     stepsOf("signup", "purchase"),
		Window:    7 * day,
		Breakdown: &Breakdown{Property: "plan"},
	}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	require.Len(t, res.BreakdownSteps, 1)
	assert.Equal(t, "pro", res.BreakdownSteps[0].Value)
	assert.False(t, *res.Truncated)
}

func TestRunFunnelPopulationBreakdown(t *testing.T) {
	engine, store := newTestEngine(t,
		ev("a", "signup", base, nil),
		ev("a", "purchase", base.Add(time.Minute), nil),
		ev("b", "signup", base, nil),
		ev("c", "signup", base, nil),
	)
	require.NoError(t, store.WriteMemberships(context.Background(), []models.Membership{
		{PopulationID: "beta", EntityID: "a", Joined: base.Add(-day)},
		{PopulationID: "beta", EntityID: "b", Joined: base.Add(-day)},
		// Left before the range end, so not a member as of then.
		{PopulationID: "beta", EntityID: "c", Joined: base.Add(-day), Left: base},
	}))

	spec := &Spec{
		Steps:  stepsOf("signup", "purchase"),
		Window: day,
		Breakdown: &Breakdown{Populations: []Population{
			{ID: "beta", Name: "Beta testers"},
			{ID: "ghost"},
		}},
	}

	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	require.Len(t, res.BreakdownSteps, 2)

	beta := res.BreakdownSteps[0]
	assert.Equal(t, "Beta testers", beta.Value)
	require.Len(t, beta.Steps, 2)
	assert.Equal(t, int64(2), beta.Steps[0].Count)
	assert.Equal(t, int64(1), beta.Steps[1].Count)

	ghost := res.BreakdownSteps[1]
	assert.Equal(t, "ghost", ghost.Value)
	assert.NotNil(t, ghost.Steps)
	assert.Empty(t, ghost.Steps)

	require.Len(t, res.AggregateSteps, 2)
	assert.Equal(t, int64(3), res.AggregateSteps[0].Count)
	assert.Nil(t, res.Truncated)
}

func TestRunFunnelPopulationRestriction(t *testing.T) {
	engine, store := newTestEngine(t,
		ev("a", "signup", base, nil),
		ev("b", "signup", base, nil),
	)
	require.NoError(t, store.WriteMemberships(context.Background(), []models.Membership{
		{PopulationID: "vip", EntityID: "b", Joined: base.Add(-day)},
	}))

	spec := &Spec{Steps: stepsOf("signup", "purchase"), Population: &Population{ID: "vip"}}
	res, err := engine.RunFunnel(context.Background(), spec, fullRange)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Steps[0].Count)
}

func TestRunFunnelUpstreamErrorsPassThrough(t *testing.T) {
	errSource := errors.New("event store unavailable")
	engine := NewEngine(failingSource{err: errSource}, nil, Config{})
	_, err := engine.RunFunnel(context.Background(), &Spec{Steps: stepsOf("signup")}, fullRange)
	assert.Equal(t, errSource, err)

	errMembers := errors.New("membership lookup failed")
	store := memory.New()
	require.NoError(t, store.WriteEvents(context.Background(), []models.Event{ev("a", "signup", base, nil)}))
	engine = NewEngine(store, failingMembership{err: errMembers}, Config{})
	spec := &Spec{
		Steps:     stepsOf("signup", "purchase"),
		Breakdown: &Breakdown{Populations: []Population{{ID: "p1"}, {ID: "p2"}}},
	}
	_, err = engine.RunFunnel(context.Background(), spec, fullRange)
	assert.Equal(t, errMembers, err)
}

func TestRunFunnelRejectsInvalidSpecs(t *testing.T) {
	engine, _ := newTestEngine(t)
	tests := []struct {
		name string
		spec *Spec
	}{
		{"nil", nil},
		{"no steps", &Spec{}},
		{"empty events", &Spec{Steps: []Step{{}}}},
		{"single step unordered", &Spec{Steps: stepsOf("a"), Order: Unordered}},
		{"unknown order", &Spec{Steps: stepsOf("a"), Order: "random"}},
		{"negative window", &Spec{Steps: stepsOf("a"), Window: -time.Hour}},
		{"exclusion out of range", &Spec{Steps: stepsOf("a", "b"), Exclusions: []Exclusion{{Event: "x", FromStep: 0, ToStep: 2}}}},
		{"exclusion reversed", &Spec{Steps: stepsOf("a", "b"), Exclusions: []Exclusion{{Event: "x", FromStep: 1, ToStep: 1}}}},
		{"both breakdowns", &Spec{Steps: stepsOf("a"), Breakdown: &Breakdown{Property: "p", Populations: []Population{{ID: "x"}}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.RunFunnel(context.Background(), tc.spec, fullRange)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec), "unexpected error: %v", err)
		})
	}

	noMembers := NewEngine(memory.New(), nil, Config{})
	_, err := noMembers.RunFunnel(context.Background(), &Spec{Steps: stepsOf("a"), Population: &Population{ID: "x"}}, fullRange)
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestRunTimeToConvert(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base, nil), ev("a", "view", base.Add(5*time.Second), nil), ev("a", "purchase", base.Add(10*time.Second), nil),
		ev("b", "signup", base, nil), ev("b", "view", base.Add(5*time.Second), nil), ev("b", "purchase", base.Add(20*time.Second), nil),
		ev("c", "signup", base, nil), ev("c", "view", base.Add(5*time.Second), nil), ev("c", "purchase", base.Add(60*time.Second), nil),
		ev("d", "signup", base, nil),
	)
	spec := &Spec{Steps: stepsOf("signup", "view", "purchase"), Window: day}

	res, err := engine.RunTimeToConvert(context.Background(), spec, 0, 2, fullRange)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SampleSize)
	assert.Equal(t, int64(30), *res.AverageSeconds)
	assert.Equal(t, int64(20), *res.MedianSeconds)
	assert.Equal(t, int64(3), binTotal(res.Bins))
	assert.Equal(t, 0, res.FromStep)
	assert.Equal(t, 2, res.ToStep)

	mid, err := engine.RunTimeToConvert(context.Background(), spec, 1, 2, fullRange)
	require.NoError(t, err)
	assert.Equal(t, int64(25), *mid.AverageSeconds)
}

func TestRunTimeToConvertValidatesSteps(t *testing.T) {
	engine, _ := newTestEngine(t)
	spec := &Spec{Steps: stepsOf("signup", "purchase")}

	_, err := engine.RunTimeToConvert(context.Background(), spec, 1, 1, fullRange)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = engine.RunTimeToConvert(context.Background(), spec, 0, 2, fullRange)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	res, err := engine.RunTimeToConvert(context.Background(), spec, 0, 1, fullRange)
	require.NoError(t, err)
	assert.Nil(t, res.AverageSeconds)
	assert.Empty(t, res.Bins)
}

func TestRunTimeToConvertUnorderedDropsNegativeDurations(t *testing.T) {
	engine, _ := newTestEngine(t,
		ev("a", "signup", base, nil),
		ev("a", "purchase", base.Add(time.Minute), nil),
		ev("a", "invite", base.Add(3*time.Minute), nil),
		ev("b", "signup", base, nil),
		ev("b", "invite", base.Add(time.Minute), nil),
		ev("b", "purchase", base.Add(4*time.Minute), nil),
	)
	spec := &Spec{Steps: stepsOf("signup", "invite", "purchase"), Order: Unordered, Window: day}

	res, err := engine.RunTimeToConvert(context.Background(), spec, 1, 2, fullRange)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SampleSize)
	assert.Equal(t, int64(180), *res.AverageSeconds)

	full, err := engine.RunTimeToConvert(context.Background(), spec, 0, 2, fullRange)
	require.NoError(t, err)
	assert.Equal(t, 2, full.SampleSize)
	assert.Equal(t, int64(150), *full.AverageSeconds)
}

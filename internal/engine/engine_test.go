package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShape(t *testing.T) *Shape {
	t.Helper()
	shape, err := NewShape([]Field{
		{Path: Path{"dietHistory", "skippedMeals", "breakfast"}, Kind: KindBool},
		{Path: Path{"dietHistory", "skippedMeals", "lunch"}, Kind: KindBool},
		{Path: Path{"dietHistory", "skippedMeals", "dinner"}, Kind: KindBool},
		{Path: Path{"dietHistory", "foodGroups", "milk"}, Kind: KindBool, Default: true},
		{Path: Path{"dietHistory", "mealsPerDay"}, Kind: KindString, Default: "3"},
		{Path: Path{"foodInsecurity", "skippingMeals"}, Kind: KindBool},
		{Path: Path{"foodInsecurity", "limitedAccess"}, Kind: KindBool},
		{Path: Path{"foodInsecurity", "foodAssistance"}, Kind: KindBool},
		{Path: Path{"allergies"}, Kind: KindList},
		{Path: Path{"notes"}, Kind: KindString},
	})
	require.NoError(t, err)
	return shape
}

func mealSkippingRule() Rule {
	meals := []Path{
		{"dietHistory", "skippedMeals", "breakfast"},
		{"dietHistory", "skippedMeals", "lunch"},
		{"dietHistory", "skippedMeals", "dinner"},
	}
	return Rule{Name: "meal-skipping", Check: func(s State) (*Finding, error) {
		for _, p := range meals {
			if s.Bool(p) {
				return &Finding{Status: "Meal Skipping Detected", Severity: SeverityWarning, Intervention: "eat regularly"}, nil
			}
		}
		return nil, nil
	}}
}

func TestPath_Column(t *testing.T) {
	tests := []struct {
		path Path
		want string
	}{
		{Path{"dietHistory", "skippedMeals", "breakfast"}, "diet_history_skipped_meals_breakfast"},
		{Path{"notes"}, "notes"},
		{Path{"anthropometrics", "heightCm"}, "anthropometrics_height_cm"},
		{Path{"labResults", "reportURL"}, "lab_results_report_url"},
		{Path{"vitals", "BMIValue"}, "vitals_bmi_value"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.path.Column(), tt.path.String())
	}
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, Path{"a", "b", "c"}, p)

	for _, bad := range []string{"", "a..b", "a.b.c.d", ".a"} {
		_, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewShape_Rejects(t *testing.T) {
	_, err := NewShape([]Field{
		{Path: Path{"a", "b"}, Kind: KindBool},
		{Path: Path{"a", "b"}, Kind: KindBool},
	})
	assert.Error(t, err, "duplicate")

	_, err = NewShape([]Field{
		{Path: Path{"a"}, Kind: KindBool},
		{Path: Path{"a", "b"}, Kind: KindBool},
	})
	assert.Error(t, err, "leaf used as section")

	_, err = NewShape([]Field{
		{Path: Path{"fooBar"}, Kind: KindBool},
		{Path: Path{"foo", "bar"}, Kind: KindBool},
	})
	assert.Error(t, err, "column clash")

	_, err = NewShape([]Field{{Path: Path{"a"}, Kind: KindBool, Default: "yes"}})
	assert.Error(t, err, "mistyped default")
}

func TestShape_Defaults(t *testing.T) {
	shape := testShape(t)
	d := shape.Defaults()
	assert.True(t, d.Bool(Path{"dietHistory", "foodGroups", "milk"}))
	assert.Equal(t, "3", d.Text(Path{"dietHistory", "mealsPerDay"}))
	v, ok := d.Get(Path{"allergies"})
	require.True(t, ok)
	assert.Equal(t, []string{}, v)

	// defaults are fresh copies
	d2 := shape.Defaults()
	d["notes"] = "changed"
	assert.Equal(t, "", d2.Text(Path{"notes"}))
}

func TestUpdate_PreservesSiblings(t *testing.T) {
	shape := testShape(t)
	state := shape.Defaults()
	state, err := Update(shape, state, Path{"dietHistory", "mealsPerDay"}, "2")
	require.NoError(t, err)

	next, err := Update(shape, state, Path{"dietHistory", "skippedMeals", "lunch"}, true)
	require.NoError(t, err)

	assert.True(t, next.Bool(Path{"dietHistory", "skippedMeals", "lunch"}))
	assert.False(t, next.Bool(Path{"dietHistory", "skippedMeals", "breakfast"}))
	assert.True(t, next.Bool(Path{"dietHistory", "foodGroups", "milk"}))
	assert.Equal(t, "2", next.Text(Path{"dietHistory", "mealsPerDay"}))

	// input untouched
	assert.False(t, state.Bool(Path{"dietHistory", "skippedMeals", "lunch"}))
}

func TestUpdate_PathNotFound(t *testing.T) {
	shape := testShape(t)
	state := shape.Defaults()

	next, err := Update(shape, state, Path{"dietHistory", "skippedMeals", "brunch"}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathNotFound))
	var pe *PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "dietHistory.skippedMeals.brunch", pe.Path.String())
	assert.Equal(t, state, next)
	_, created := next.Get(Path{"dietHistory", "skippedMeals", "brunch"})
	assert.False(t, created)

	_, err = Update(shape, state, Path{"dietHistory", "skippedMeals"}, true)
	assert.True(t, errors.Is(err, ErrPathNotFound), "sections are not leaves")
}

func TestUpdate_TypeMismatch(t *testing.T) {
	shape := testShape(t)
	state := shape.Defaults()
	next, err := Update(shape, state, Path{"notes"}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMapping))
	assert.Equal(t, state, next)
}

func TestUpdate_ListLeaf(t *testing.T) {
	shape := testShape(t)
	next, err := Update(shape, shape.Defaults(), Path{"allergies"}, []any{"peanut", "egg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"peanut", "egg"}, next.List(Path{"allergies"}))
}

// randomState fills every leaf of shape with a random value of its kind.
func randomState(t *testing.T, shape *Shape, rng *rand.Rand) State {
	t.Helper()
	state := shape.Defaults()
	for _, f := range shape.Fields() {
		var v any
		switch f.Kind {
		case KindBool:
			v = rng.Intn(2) == 1
		case KindString:
			v = fmt.Sprintf("text-%d", rng.Intn(1000))
		case KindList:
			n := rng.Intn(4)
			l := make([]string, n)
			for i := range l {
				l[i] = fmt.Sprintf("opt-%d", rng.Intn(10))
			}
			v = l
		}
		var err error
		state, err = Update(shape, state, f.Path, v)
		require.NoError(t, err)
	}
	return state
}

func TestUpdate_SiblingPreservationProperty(t *testing.T) {
	shape := testShape(t)
	rng := rand.New(rand.NewSource(7))
	fields := shape.Fields()

	for i := 0; i < 200; i++ {
		state := randomState(t, shape, rng)
		target := fields[rng.Intn(len(fields))]
		var v any
		switch target.Kind {
		case KindBool:
			v = !state.Bool(target.Path)
		case KindString:
			v = "changed"
		case KindList:
			v = []string{"x", "y"}
		}
		next, err := Update(shape, state, target.Path, v)
		require.NoError(t, err)

		for _, f := range fields {
			got, _ := next.Get(f.Path)
			if f.Path.String() == target.Path.String() {
				assert.Equal(t, v, got)
				continue
			}
			want, _ := state.Get(f.Path)
			assert.Equal(t, want, got, "leaf %s changed while updating %s", f.Path, target.Path)
		}
	}
}

func testContext() Context {
	return Context{
		PatientIdentifier: "Jane Doe",
		AuthorID:          "c-1",
		AuthorDisplayName: "Nurse Joy",
		ServiceDate:       "2024-03-01",
	}
}

func TestFlattenUnflatten_RoundTripProperty(t *testing.T) {
	shape := testShape(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		state := randomState(t, shape, rng)
		rec, err := Flatten(shape, state, testContext())
		require.NoError(t, err)
		assert.Len(t, rec.Columns, shape.Len())

		back, err := Unflatten(shape, rec)
		require.NoError(t, err)
		assert.Equal(t, state, back)
	}
}

func TestFlatten_ColumnsAndContext(t *testing.T) {
	shape := testShape(t)
	state, err := Update(shape, shape.Defaults(), Path{"allergies"}, []string{"b", "a"})
	require.NoError(t, err)

	rec, err := Flatten(shape, state, testContext())
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", rec.PatientIdentifier)
	assert.Equal(t, "c-1", rec.AuthorID)
	assert.Equal(t, "2024-03-01", rec.ServiceDate)
	assert.Equal(t, true, rec.Columns["diet_history_food_groups_milk"])
	assert.Equal(t, []string{"b", "a"}, rec.Columns["allergies"])
}

func TestFlatten_FillsMissingLeaves(t *testing.T) {
	shape := testShape(t)
	raw := State{"dietHistory": map[string]any{"skippedMeals": map[string]any{"lunch": true}}}
	rec, err := Flatten(shape, raw, testContext())
	require.NoError(t, err)
	assert.Equal(t, true, rec.Columns["diet_history_skipped_meals_lunch"])
	assert.Equal(t, "3", rec.Columns["diet_history_meals_per_day"])
}

func TestFlatten_RejectsMistypedValue(t *testing.T) {
	shape := testShape(t)
	raw := State{"dietHistory": map[string]any{"skippedMeals": map[string]any{"lunch": "yes"}}}
	_, err := Flatten(shape, raw, testContext())
	require.Error(t, err)
	var me *MappingError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "diet_history_skipped_meals_lunch", me.Column)
	assert.Equal(t, KindBool, me.Want)
}

func TestFlatten_RejectsUndeclaredField(t *testing.T) {
	shape := testShape(t)
	_, err := Flatten(shape, State{"extra": true}, testContext())
	assert.True(t, errors.Is(err, ErrMapping))
}

func TestFlatten_InvalidContext(t *testing.T) {
	shape := testShape(t)
	tests := []struct {
		name string
		mod  func(*Context)
	}{
		{"no patient", func(c *Context) { c.PatientIdentifier = " " }},
		{"no author", func(c *Context) { c.AuthorID = "" }},
		{"no author name", func(c *Context) { c.AuthorDisplayName = "" }},
		{"no date", func(c *Context) { c.ServiceDate = "" }},
		{"bad date", func(c *Context) { c.ServiceDate = "03/01/2024" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext()
			tt.mod(&ctx)
			_, err := Flatten(shape, shape.Defaults(), ctx)
			assert.True(t, errors.Is(err, ErrInvalidContext))
		})
	}
}

func TestUnflatten_DefaultsForMissingAndNull(t *testing.T) {
	shape := testShape(t)
	rec := &Record{Columns: map[string]any{
		"diet_history_skipped_meals_lunch": true,
		"diet_history_food_groups_milk":    nil,
		"allergies":                        []any{"egg"},
	}}
	state, err := Unflatten(shape, rec)
	require.NoError(t, err)
	assert.True(t, state.Bool(Path{"dietHistory", "skippedMeals", "lunch"}))
	assert.True(t, state.Bool(Path{"dietHistory", "foodGroups", "milk"}), "NULL takes the default")
	assert.Equal(t, "3", state.Text(Path{"dietHistory", "mealsPerDay"}))
	assert.Equal(t, []string{"egg"}, state.List(Path{"allergies"}))

	for _, f := range shape.Fields() {
		_, ok := state.Get(f.Path)
		assert.True(t, ok, "leaf %s left undefined", f.Path)
	}
}

func TestUnflatten_MistypedColumn(t *testing.T) {
	shape := testShape(t)
	_, err := Unflatten(shape, &Record{Columns: map[string]any{"notes": 12}})
	assert.True(t, errors.Is(err, ErrMapping))
}

func TestEvaluate_MealSkipping(t *testing.T) {
	shape := testShape(t)
	state, err := Update(shape, shape.Defaults(), Path{"dietHistory", "skippedMeals", "breakfast"}, true)
	require.NoError(t, err)

	findings := Evaluate(state, []Rule{mealSkippingRule()}, nil)
	require.Len(t, findings, 1)
	assert.Equal(t, "Meal Skipping Detected", findings[0].Status)
	assert.Equal(t, SeverityWarning, findings[0].Severity)

	assert.Empty(t, Evaluate(shape.Defaults(), []Rule{mealSkippingRule()}, nil))
}

func TestEvaluate_Idempotent(t *testing.T) {
	shape := testShape(t)
	rng := rand.New(rand.NewSource(3))
	rules := []Rule{mealSkippingRule()}
	for i := 0; i < 50; i++ {
		state := randomState(t, shape, rng)
		assert.Equal(t, Evaluate(state, rules, nil), Evaluate(state, rules, nil))
	}
}

func TestEvaluate_IsolatesFailingRules(t *testing.T) {
	shape := testShape(t)
	state, _ := Update(shape, shape.Defaults(), Path{"dietHistory", "skippedMeals", "dinner"}, true)

	always := Rule{Name: "always", Check: func(State) (*Finding, error) {
		return &Finding{Status: "Always", Severity: SeverityInfo}, nil
	}}
	panics := Rule{Name: "panics", Check: func(State) (*Finding, error) { panic("boom") }}
	errs := Rule{Name: "errs", Check: func(State) (*Finding, error) { return nil, errors.New("bad") }}

	var failed []string
	report := func(e *RuleError) {
		assert.True(t, errors.Is(e, ErrRuleFailed))
		failed = append(failed, e.Rule)
	}

	baseline := Evaluate(state, []Rule{mealSkippingRule(), always}, nil)
	got := Evaluate(state, []Rule{panics, mealSkippingRule(), errs, always}, report)
	assert.Equal(t, baseline, got)
	assert.Equal(t, []string{"panics", "errs"}, failed)
}

func TestEvaluate_RulesCannotMutateState(t *testing.T) {
	shape := testShape(t)
	state := shape.Defaults()
	mutator := Rule{Name: "mutator", Check: func(s State) (*Finding, error) {
		s["notes"] = "tampered"
		return nil, nil
	}}
	reader := Rule{Name: "reader", Check: func(s State) (*Finding, error) {
		if s.Text(Path{"notes"}) != "" {
			return &Finding{Status: "Tampered"}, nil
		}
		return nil, nil
	}}
	assert.Empty(t, Evaluate(state, []Rule{mutator, reader}, nil))
	assert.Equal(t, "", state.Text(Path{"notes"}))
}

func TestEvaluate_RegistrationOrder(t *testing.T) {
	mk := func(name string) Rule {
		return Rule{Name: name, Check: func(State) (*Finding, error) { return &Finding{Status: name}, nil }}
	}
	got := Evaluate(State{}, []Rule{mk("b"), mk("a"), mk("c")}, nil)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Status)
	assert.Equal(t, "a", got[1].Status)
	assert.Equal(t, "c", got[2].Status)
}

func boysTable() BMITable {
	return BMITable{
		{Sex: "male", Age: 10}: {SeverelyUnderweightMax: 13.8, UnderweightMax: 14.1, NormalMax: 22.7, SeverelyOverweightMin: 26.1},
	}
}

func bmiState(height, weight, age, sex string) State {
	return State{"anthro": State{"heightCm": height, "weightKg": weight, "ageYears": age, "sex": sex}}
}

func testBMIRule() BMIRule {
	return BMIRule{
		Height: Path{"anthro", "heightCm"},
		Weight: Path{"anthro", "weightKg"},
		Age:    Path{"anthro", "ageYears"},
		Sex:    Path{"anthro", "sex"},
		Table:  boysTable(),
		Advice: map[BMICategory]string{BMISeverelyUnderweight: "refer", BMINormal: "keep going"},
	}
}

func TestComputeBMI(t *testing.T) {
	bmi, ok := ComputeBMI(135, 25)
	require.True(t, ok)
	assert.Equal(t, 13.7, bmi)

	bmi, ok = ComputeBMI(135, 30)
	require.True(t, ok)
	assert.Equal(t, 16.5, bmi)

	_, ok = ComputeBMI(0, 30)
	assert.False(t, ok)
}

func TestBMIRule_Bands(t *testing.T) {
	rule := testBMIRule()

	f, err := rule.Check(bmiState("135", "25", "10", "male"))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "Severely Underweight", f.Status)
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Equal(t, "refer", f.Intervention)

	f, err = rule.Check(bmiState("135", "30", "10", "boy"))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "Normal", f.Status)
	assert.Equal(t, SeverityInfo, f.Severity)
}

func TestBMITable_ClassifyBoundaries(t *testing.T) {
	table := boysTable()
	tests := []struct {
		bmi  float64
		want BMICategory
	}{
		{13.8, BMISeverelyUnderweight},
		{13.9, BMIUnderweight},
		{14.1, BMIUnderweight},
		{14.2, BMINormal},
		{22.7, BMINormal},
		{22.8, BMIOverweight},
		{26.0, BMIOverweight},
		{26.1, BMISeverelyOverweight},
	}
	for _, tt := range tests {
		got, ok := table.Classify("male", 10, tt.bmi)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "bmi %.1f", tt.bmi)
	}
}

func TestBMIRule_NoFinding(t *testing.T) {
	rule := testBMIRule()
	tests := []struct {
		name  string
		state State
	}{
		{"age below table", bmiState("135", "30", "5", "male")},
		{"age above table", bmiState("135", "30", "13", "male")},
		{"sex not in table", bmiState("135", "30", "10", "female")},
		{"unknown sex", bmiState("135", "30", "10", "")},
		{"missing height", bmiState("", "30", "10", "male")},
		{"non numeric weight", bmiState("135", "thirty", "10", "male")},
		{"zero height", bmiState("0", "30", "10", "male")},
		{"empty state", State{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := rule.Check(tt.state)
			assert.NoError(t, err)
			assert.Nil(t, f)
		})
	}
}

func TestReconcile_Completeness(t *testing.T) {
	records := []*Record{
		{ID: "1", AuthorID: "a"},
		{ID: "2", AuthorID: "missing"},
		{ID: "3", AuthorID: "broken"},
		{ID: "4", AuthorID: "a"},
		{ID: "5", AuthorID: ""},
		{ID: "6", AuthorID: "b"},
	}
	var calls atomic.Int32
	resolver := AuthorResolverFunc(func(_ context.Context, id string) (*AuthorInfo, error) {
		calls.Add(1)
		switch id {
		case "a":
			return &AuthorInfo{DisplayName: "Dr. A", Role: "physician"}, nil
		case "b":
			return &AuthorInfo{DisplayName: "Nurse B", Role: "nurse"}, nil
		case "broken":
			return nil, errors.New("directory unavailable")
		}
		return nil, nil
	})

	var failures atomic.Int32
	r := &Reconciler{Resolver: resolver, Concurrency: 2, OnFailure: func(string, error) { failures.Add(1) }}
	got := r.Reconcile(context.Background(), records)

	require.Len(t, got, len(records))
	want := []string{"Dr. A", UnknownAuthor, UnknownAuthor, "Dr. A", UnknownAuthor, "Nurse B"}
	for i, e := range got {
		assert.Equal(t, records[i].ID, e.ID, "order preserved")
		assert.Equal(t, want[i], e.AuthorDisplayName)
	}
	assert.Equal(t, int32(4), calls.Load(), "one lookup per distinct author")
	assert.Equal(t, int32(2), failures.Load())
}

func TestReconcile_PanickingResolver(t *testing.T) {
	resolver := AuthorResolverFunc(func(context.Context, string) (*AuthorInfo, error) { panic("nil map") })
	got := Reconcile(context.Background(), []*Record{{ID: "1", AuthorID: "x"}}, resolver)
	require.Len(t, got, 1)
	assert.Equal(t, UnknownAuthor, got[0].AuthorDisplayName)
}

func TestReconcile_NilRecordKeepsSlot(t *testing.T) {
	resolver := AuthorResolverFunc(func(_ context.Context, id string) (*AuthorInfo, error) {
		return &AuthorInfo{DisplayName: "Dr. " + strings.ToUpper(id)}, nil
	})
	records := []*Record{{ID: "1", AuthorID: "a"}, nil, {ID: "3", AuthorID: "b"}}

	var got []HistoryEntry
	require.NotPanics(t, func() { got = Reconcile(context.Background(), records, resolver) })
	require.Len(t, got, len(records))
	assert.Equal(t, "Dr. A", got[0].AuthorDisplayName)
	assert.Equal(t, "", got[1].ID)
	assert.Equal(t, UnknownAuthor, got[1].AuthorDisplayName)
	assert.Equal(t, "3", got[2].ID)
	assert.Equal(t, "Dr. B", got[2].AuthorDisplayName)
}

func TestReconcile_Empty(t *testing.T) {
	got := Reconcile(context.Background(), nil, nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestIsSet(t *testing.T) {
	assert.True(t, IsSet(true))
	assert.False(t, IsSet(false))
	assert.True(t, IsSet("x"))
	assert.False(t, IsSet("  "))
	assert.True(t, IsSet([]string{"a"}))
	assert.False(t, IsSet([]string{}))
	assert.False(t, IsSet(nil))
	assert.False(t, IsSet(strings.Builder{}))
}

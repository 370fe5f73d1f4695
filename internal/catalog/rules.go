package catalog

import (
	"fmt"
	"strings"

	"github.com/ehr/assessments/internal/engine"
)

type ruleDef struct {
	Name         string    `yaml:"name"`
	Status       string    `yaml:"status"`
	Severity     string    `yaml:"severity"`
	When         *condDef  `yaml:"when"`
	Intervention string    `yaml:"intervention"`
	Parts        []partDef `yaml:"parts"`
	BMI          *bmiDef   `yaml:"bmi"`
}

type partDef struct {
	When         *condDef `yaml:"when"`
	Intervention string   `yaml:"intervention"`
}

// condDef is a set of tests that must all hold.
type condDef struct {
	Any      []string  `yaml:"any"`
	All      []string  `yaml:"all"`
	None     []string  `yaml:"none"`
	Equals   *matchDef `yaml:"equals"`
	In       *inDef    `yaml:"in"`
	Contains *matchDef `yaml:"contains"`
}

type matchDef struct {
	Path  string `yaml:"path"`
	Value string `yaml:"value"`
}

type inDef struct {
	Path   string   `yaml:"path"`
	Values []string `yaml:"values"`
}

type bmiDef struct {
	Table  string            `yaml:"table"`
	Height string            `yaml:"height"`
	Weight string            `yaml:"weight"`
	Age    string            `yaml:"age"`
	Sex    string            `yaml:"sex"`
	Advice map[string]string `yaml:"advice"`
}

type predicate func(engine.State) bool

func compileRule(shape *engine.Shape, rd *ruleDef, tables map[string]engine.BMITable) (engine.Rule, error) {
	forms := 0
	for _, set := range []bool{rd.When != nil, len(rd.Parts) > 0, rd.BMI != nil} {
		if set {
			forms++
		}
	}
	if forms != 1 {
		return engine.Rule{}, fmt.Errorf("exactly one of when, parts or bmi is required")
	}

	if rd.BMI != nil {
		check, err := compileBMI(shape, rd.BMI, tables)
		if err != nil {
			return engine.Rule{}, err
		}
		return engine.Rule{Name: rd.Name, Check: check}, nil
	}

	if strings.TrimSpace(rd.Status) == "" {
		return engine.Rule{}, fmt.Errorf("status is required")
	}
	sev, err := engine.ParseSeverity(rd.Severity)
	if err != nil {
		return engine.Rule{}, err
	}

	if rd.When != nil {
		pred, err := compileCondition(shape, rd.When)
		if err != nil {
			return engine.Rule{}, err
		}
		finding := engine.Finding{Status: rd.Status, Severity: sev, Intervention: strings.TrimSpace(rd.Intervention)}
		return engine.Rule{Name: rd.Name, Check: func(s engine.State) (*engine.Finding, error) {
			if !pred(s) {
				return nil, nil
			}
			f := finding
			return &f, nil
		}}, nil
	}

	type part struct {
		pred predicate
		text string
	}
	parts := make([]part, 0, len(rd.Parts))
	for i, pd := range rd.Parts {
		if pd.When == nil {
			return engine.Rule{}, fmt.Errorf("part %d has no condition", i+1)
		}
		pred, err := compileCondition(shape, pd.When)
		if err != nil {
			return engine.Rule{}, fmt.Errorf("part %d: %w", i+1, err)
		}
		text := strings.TrimSpace(pd.Intervention)
		if text == "" {
			return engine.Rule{}, fmt.Errorf("part %d has no intervention", i+1)
		}
		parts = append(parts, part{pred: pred, text: text})
	}
	status := rd.Status
	return engine.Rule{Name: rd.Name, Check: func(s engine.State) (*engine.Finding, error) {
		var texts []string
		for _, p := range parts {
			if p.pred(s) {
				texts = append(texts, p.text)
			}
		}
		if len(texts) == 0 {
			return nil, nil
		}
		return &engine.Finding{Status: status, Severity: sev, Intervention: strings.Join(texts, "\n\n")}, nil
	}}, nil
}

func compileCondition(shape *engine.Shape, c *condDef) (predicate, error) {
	var preds []predicate

	paths := func(names []string) ([]engine.Path, error) {
		out := make([]engine.Path, 0, len(names))
		for _, n := range names {
			p, err := leafPath(shape, n)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	}

	if len(c.Any) > 0 {
		ps, err := paths(c.Any)
		if err != nil {
			return nil, fmt.Errorf("any: %w", err)
		}
		preds = append(preds, func(s engine.State) bool {
			for _, p := range ps {
				if isSet(s, p) {
					return true
				}
			}
			return false
		})
	}
	if len(c.All) > 0 {
		ps, err := paths(c.All)
		if err != nil {
			return nil, fmt.Errorf("all: %w", err)
		}
		preds = append(preds, func(s engine.State) bool {
			for _, p := range ps {
				if !isSet(s, p) {
					return false
				}
			}
			return true
		})
	}
	if len(c.None) > 0 {
		ps, err := paths(c.None)
		if err != nil {
			return nil, fmt.Errorf("none: %w", err)
		}
		preds = append(preds, func(s engine.State) bool {
			for _, p := range ps {
				if isSet(s, p) {
					return false
				}
			}
			return true
		})
	}
	if c.Equals != nil {
		p, err := leafPath(shape, c.Equals.Path, engine.KindString)
		if err != nil {
			return nil, fmt.Errorf("equals: %w", err)
		}
		want := c.Equals.Value
		preds = append(preds, func(s engine.State) bool {
			return strings.EqualFold(strings.TrimSpace(s.Text(p)), want)
		})
	}
	if c.In != nil {
		p, err := leafPath(shape, c.In.Path, engine.KindString)
		if err != nil {
			return nil, fmt.Errorf("in: %w", err)
		}
		if len(c.In.Values) == 0 {
			return nil, fmt.Errorf("in: values are required")
		}
		values := c.In.Values
		preds = append(preds, func(s engine.State) bool {
			got := strings.TrimSpace(s.Text(p))
			for _, v := range values {
				if strings.EqualFold(got, v) {
					return true
				}
			}
			return false
		})
	}
	if c.Contains != nil {
		p, err := leafPath(shape, c.Contains.Path, engine.KindList)
		if err != nil {
			return nil, fmt.Errorf("contains: %w", err)
		}
		want := c.Contains.Value
		preds = append(preds, func(s engine.State) bool {
			for _, v := range s.List(p) {
				if strings.EqualFold(v, want) {
					return true
				}
			}
			return false
		})
	}

	if len(preds) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	return func(s engine.State) bool {
		for _, pred := range preds {
			if !pred(s) {
				return false
			}
		}
		return true
	}, nil
}

func isSet(s engine.State, p engine.Path) bool {
	v, _ := s.Get(p)
	return engine.IsSet(v)
}

var bmiAdviceKeys = map[string]engine.BMICategory{
	"severely_underweight": engine.BMISeverelyUnderweight,
	"underweight":          engine.BMIUnderweight,
	"normal":               engine.BMINormal,
	"overweight":           engine.BMIOverweight,
	"severely_overweight":  engine.BMISeverelyOverweight,
}

func compileBMI(shape *engine.Shape, b *bmiDef, tables map[string]engine.BMITable) (engine.Check, error) {
	name := b.Table
	if name == "" {
		name = "bmi_for_age"
	}
	table, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("bmi: unknown table %q", name)
	}

	rule := engine.BMIRule{Table: table, Advice: make(map[engine.BMICategory]string, len(b.Advice))}
	for _, leaf := range []struct {
		name string
		dst  *engine.Path
	}{
		{b.Height, &rule.Height},
		{b.Weight, &rule.Weight},
		{b.Age, &rule.Age},
		{b.Sex, &rule.Sex},
	} {
		p, err := leafPath(shape, leaf.name, engine.KindString)
		if err != nil {
			return nil, fmt.Errorf("bmi: %w", err)
		}
		*leaf.dst = p
	}
	for k, text := range b.Advice {
		cat, ok := bmiAdviceKeys[k]
		if !ok {
			return nil, fmt.Errorf("bmi: unknown band %q in advice", k)
		}
		rule.Advice[cat] = strings.TrimSpace(text)
	}
	return rule.Check, nil
}

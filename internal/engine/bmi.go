package engine

import (
	"math"
	"strconv"
	"strings"
)

// BMICategory is one band of a BMI-for-age table.
type BMICategory int

const (
	BMISeverelyUnderweight BMICategory = iota + 1
	BMIUnderweight
	BMINormal
	BMIOverweight
	BMISeverelyOverweight
)

var bmiStatus = map[BMICategory]string{
	BMISeverelyUnderweight: "Severely Underweight",
	BMIUnderweight:         "Underweight",
	BMINormal:              "Normal",
	BMIOverweight:          "Overweight",
	BMISeverelyOverweight:  "Severely Overweight",
}

var bmiSeverity = map[BMICategory]Severity{
	BMISeverelyUnderweight: SeverityCritical,
	BMIUnderweight:         SeverityWarning,
	BMINormal:              SeverityInfo,
	BMIOverweight:          SeverityWarning,
	BMISeverelyOverweight:  SeverityCritical,
}

// Status is the finding label for the band.
func (c BMICategory) Status() string { return bmiStatus[c] }

// Severity is the finding severity for the band.
func (c BMICategory) Severity() Severity { return bmiSeverity[c] }

// BMIBand holds the cut-offs for one age and sex. Values at or below
// SeverelyUnderweightMax are severely underweight, at or below
// UnderweightMax underweight, at or below NormalMax normal, below
// SeverelyOverweightMin overweight and anything else severely overweight.
type BMIBand struct {
	SeverelyUnderweightMax float64 `yaml:"severely_underweight" json:"severely_underweight"`
	UnderweightMax         float64 `yaml:"underweight" json:"underweight"`
	NormalMax              float64 `yaml:"normal" json:"normal"`
	SeverelyOverweightMin  float64 `yaml:"severely_overweight" json:"severely_overweight"`
}

// BMIKey indexes a BMITable.
type BMIKey struct {
	Sex string
	Age int
}

// BMITable maps age and sex to bands.
type BMITable map[BMIKey]BMIBand

// Classify returns the band bmi falls in, or false when the table has no
// row for sex and age.
func (t BMITable) Classify(sex string, age int, bmi float64) (BMICategory, bool) {
	band, ok := t[BMIKey{Sex: sex, Age: age}]
	if !ok {
		return 0, false
	}
	switch {
	case bmi <= band.SeverelyUnderweightMax:
		return BMISeverelyUnderweight, true
	case bmi <= band.UnderweightMax:
		return BMIUnderweight, true
	case bmi <= band.NormalMax:
		return BMINormal, true
	case bmi < band.SeverelyOverweightMin:
		return BMIOverweight, true
	default:
		return BMISeverelyOverweight, true
	}
}

// ComputeBMI returns weight / (height in metres)^2 rounded to one decimal.
func ComputeBMI(heightCm, weightKg float64) (float64, bool) {
	if heightCm <= 0 || weightKg <= 0 || math.IsNaN(heightCm) || math.IsNaN(weightKg) {
		return 0, false
	}
	m := heightCm / 100
	return math.Round(weightKg/(m*m)*10) / 10, true
}

// NormalizeSex folds the accepted spellings to "male" or "female".
func NormalizeSex(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "boy":
		return "male"
	case "f", "female", "girl":
		return "female"
	}
	return ""
}

// BMIRule reads height, weight, age and sex from string leaves and reports
// the matching band's advice. Incomplete or out-of-table input is not an
// error; the rule simply does not apply.
type BMIRule struct {
	Height Path
	Weight Path
	Age    Path
	Sex    Path
	Table  BMITable
	Advice map[BMICategory]string
}

// Check implements the Check signature.
func (r BMIRule) Check(s State) (*Finding, error) {
	height, ok := parseNumber(s.Text(r.Height))
	if !ok {
		return nil, nil
	}
	weight, ok := parseNumber(s.Text(r.Weight))
	if !ok {
		return nil, nil
	}
	age, ok := parseNumber(s.Text(r.Age))
	if !ok {
		return nil, nil
	}
	bmi, ok := ComputeBMI(height, weight)
	if !ok {
		return nil, nil
	}
	cat, ok := r.Table.Classify(NormalizeSex(s.Text(r.Sex)), int(math.Floor(age)), bmi)
	if !ok {
		return nil, nil
	}
	return &Finding{
		Status:       cat.Status(),
		Severity:     cat.Severity(),
		Intervention: r.Advice[cat],
	}, nil
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

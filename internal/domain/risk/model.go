package risk

import "encoding/json"

// Category is the risk bucket derived from a score.
type Category string

const (
	CategoryLow    Category = "Low"
	CategoryMedium Category = "Medium"
	CategoryHigh   Category = "High"
)

const (
	MinScore = 0
	MaxScore = 100

	// Upper bounds (inclusive) of the Low and Medium buckets.
	LowMax    = 30
	MediumMax = 70
)

// Color hints shown next to each category.
const (
	ColorLow    = "#18C07A"
	ColorMedium = "#FFC107"
	ColorHigh   = "#EA4335"
)

var validCategories = map[Category]bool{
	CategoryLow: true, CategoryMedium: true, CategoryHigh: true,
}

// Valid reports whether c is one of the three known categories.
func (c Category) Valid() bool {
	return validCategories[c]
}

// ColorHint returns the display color for the category.
func (c Category) ColorHint() string {
	switch c {
	case CategoryHigh:
		return ColorHigh
	case CategoryMedium:
		return ColorMedium
	default:
		return ColorLow
	}
}

// CategoryFor maps a score to its category using the fixed thresholds.
func CategoryFor(score int) Category {
	switch {
	case score > MediumMax:
		return CategoryHigh
	case score > LowMax:
		return CategoryMedium
	default:
		return CategoryLow
	}
}

// Result is the immutable outcome of a scoring run.
type Result struct {
	Score     int      `json:"score"`
	Category  Category `json:"category"`
	ColorHint string   `json:"riskColor"`
}

// NewResult builds a Result from a raw score. Scores outside [0,100] are
// clamped so every Result satisfies the range contract.
func NewResult(score int) Result {
	if score < MinScore {
		score = MinScore
	}
	if score > MaxScore {
		score = MaxScore
	}
	cat := CategoryFor(score)
	return Result{Score: score, Category: cat, ColorHint: cat.ColorHint()}
}

// UnmarshalJSON re-derives the category and color from the score so a stored
// result can never carry a category that disagrees with its score.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw struct {
		Score int `json:"score"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = NewResult(raw.Score)
	return nil
}

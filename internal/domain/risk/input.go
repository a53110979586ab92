package risk

// PlaceholderBMI is the body-mass value passed to the scorer until the intake
// form collects height and pre-pregnancy weight.
const PlaceholderBMI = 25.0

// Input holds the clinical parameters a Scorer consumes. Missing or
// malformed values are already coerced to their zero value by the caller.
type Input struct {
	MaternalAge int     `json:"maternalAge"`
	BMI         float64 `json:"bmi"`
	EFW         int     `json:"efw"`
	Diabetes    bool    `json:"diabetes"`
	History     bool    `json:"history"`
}

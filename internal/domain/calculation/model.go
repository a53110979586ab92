package calculation

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/middec/middec/internal/domain/risk"
)

// FormData is the intake form exactly as the clinician filled it in. Values
// are free text and are never validated; see ScoringInput for the coercion
// applied before scoring.
type FormData struct {
	ArchiveNo             string   `json:"archiveNo" yaml:"archiveNo"`
	PatientName           string   `json:"patientName" yaml:"patientName"`
	MaternalAge           string   `json:"maternalAge" yaml:"maternalAge"`
	GestationalAge        string   `json:"gestationalAge" yaml:"gestationalAge"`
	WeightGain            string   `json:"weightGain" yaml:"weightGain"`
	Smoking               string   `json:"smoking" yaml:"smoking"`
	GestDiabetes          string   `json:"gestDiabetes" yaml:"gestDiabetes"`
	History               string   `json:"history" yaml:"history"`
	PregestDiabetes       string   `json:"pregestDiabetes" yaml:"pregestDiabetes"`
	Insulin               string   `json:"insulin" yaml:"insulin"`
	LaborAug              string   `json:"laborAug" yaml:"laborAug"`
	LaborInd              string   `json:"laborInd" yaml:"laborInd"`
	Vacuum                string   `json:"vacuum" yaml:"vacuum"`
	Epidural              string   `json:"epidural" yaml:"epidural"`
	AdmissionTime         string   `json:"admissionTime" yaml:"admissionTime"`
	BirthTime             string   `json:"birthTime" yaml:"birthTime"`
	NeonatalSex           string   `json:"neonatalSex" yaml:"neonatalSex"`
	BirthWeight           string   `json:"birthWeight" yaml:"birthWeight"`
	BPD                   string   `json:"bpd" yaml:"bpd"`
	HC                    string   `json:"hc" yaml:"hc"`
	AC                    string   `json:"ac" yaml:"ac"`
	FL                    string   `json:"fl" yaml:"fl"`
	Parity                string   `json:"parity" yaml:"parity"`
	Gravidity             string   `json:"gravidity" yaml:"gravidity"`
	EFW                   string   `json:"efw" yaml:"efw"`
	ShoulderDystocia      string   `json:"shoulderDystocia" yaml:"shoulderDystocia"`
	NeonatalComplications []string `json:"neonatalComplications" yaml:"neonatalComplications"`
	MaternalComplications []string `json:"maternalComplications" yaml:"maternalComplications"`
}

// DefaultFormData returns a blank form with the intake screen's defaults.
func DefaultFormData() FormData {
	return FormData{
		Smoking:               "No",
		GestDiabetes:          "No",
		History:               "No",
		PregestDiabetes:       "No",
		Insulin:               "No",
		LaborAug:              "No",
		LaborInd:              "No",
		Vacuum:                "No",
		Epidural:              "No",
		NeonatalSex:           "Male",
		ShoulderDystocia:      "No",
		NeonatalComplications: []string{},
		MaternalComplications: []string{},
	}
}

// ScoringInput derives the scorer's input from the form. Only maternal age,
// EFW, the two diabetes flags and the history flag are scored; every other
// field is persisted but ignored until a real model defines its inputs.
func (f FormData) ScoringInput() risk.Input {
	return risk.Input{
		MaternalAge: parseLeadingInt(f.MaternalAge),
		BMI:         risk.PlaceholderBMI,
		EFW:         parseLeadingInt(f.EFW),
		Diabetes:    isYes(f.GestDiabetes) || isYes(f.PregestDiabetes),
		History:     isYes(f.History),
	}
}

func isYes(v string) bool {
	return v == "Yes"
}

// parseLeadingInt reads an optionally signed base-10 integer prefix of s,
// ignoring leading whitespace. Anything without a digit prefix yields 0, so
// "30 weeks" is 30, "3.7" is 3 and "abc" is 0. Huge values saturate.
func parseLeadingInt(s string) int {
	s = strings.TrimLeft(s, " \t\r\n")
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n := 0
	digits := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		d := int(r - '0')
		if n > (math.MaxInt32-d)/10 {
			n = math.MaxInt32
			digits++
			break
		}
		n = n*10 + d
		digits++
	}
	if digits == 0 {
		return 0
	}
	if neg {
		return -n
	}
	return n
}

// Record is a persisted submission: the full form, its risk result and the
// server-assigned creation time. Records are create-only.
type Record struct {
	ID string `json:"id"`
	FormData
	Result    risk.Result `json:"result"`
	CreatedAt time.Time   `json:"timestamp"`
}

// NewRecord merges a form and its result. ID and CreatedAt are left for the
// store to assign.
func NewRecord(form FormData, result risk.Result) *Record {
	return &Record{FormData: form, Result: result}
}

// Clone returns a deep copy so callers never share slices with the store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.NeonatalComplications = slices.Clone(r.NeonatalComplications)
	c.MaternalComplications = slices.Clone(r.MaternalComplications)
	return &c
}

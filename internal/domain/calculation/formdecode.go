package calculation

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/middec/middec/internal/domain/risk"
)

func (f *FormData) textFields() map[string]*string {
	return map[string]*string{
		"archiveNo":        &f.ArchiveNo,
		"patientName":      &f.PatientName,
		"maternalAge":      &f.MaternalAge,
		"gestationalAge":   &f.GestationalAge,
		"weightGain":       &f.WeightGain,
		"smoking":          &f.Smoking,
		"gestDiabetes":     &f.GestDiabetes,
		"history":          &f.History,
		"pregestDiabetes":  &f.PregestDiabetes,
		"insulin":          &f.Insulin,
		"laborAug":         &f.LaborAug,
		"laborInd":         &f.LaborInd,
		"vacuum":           &f.Vacuum,
		"epidural":         &f.Epidural,
		"admissionTime":    &f.AdmissionTime,
		"birthTime":        &f.BirthTime,
		"neonatalSex":      &f.NeonatalSex,
		"birthWeight":      &f.BirthWeight,
		"bpd":              &f.BPD,
		"hc":               &f.HC,
		"ac":               &f.AC,
		"fl":               &f.FL,
		"parity":           &f.Parity,
		"gravidity":        &f.Gravidity,
		"efw":              &f.EFW,
		"shoulderDystocia": &f.ShoulderDystocia,
	}
}

func (f *FormData) listFields() map[string]*[]string {
	return map[string]*[]string{
		"neonatalComplications": &f.NeonatalComplications,
		"maternalComplications": &f.MaternalComplications,
	}
}

// IsFormField reports whether name is a key of the intake form.
func IsFormField(name string) bool {
	var f FormData
	if _, ok := f.textFields()[name]; ok {
		return true
	}
	_, ok := f.listFields()[name]
	return ok
}

// UnmarshalJSON decodes a form without ever rejecting a field's value.
// Numbers keep their literal text, booleans become "Yes" or "No" and any
// other non-string becomes "". A scalar complication becomes a one-item
// list. Keys that are not form fields are ignored and keys that are absent
// keep their current value.
func (f *FormData) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	texts, lists := f.textFields(), f.listFields()
	for key, v := range raw {
		if p, ok := texts[key]; ok {
			*p = lenientText(v)
		} else if p, ok := lists[key]; ok {
			*p = lenientList(v)
		}
	}
	return nil
}

func decodeAny(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func lenientText(raw json.RawMessage) string {
	return textOf(decodeAny(raw))
}

func textOf(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	default:
		return ""
	}
}

func lenientList(raw json.RawMessage) []string {
	out := []string{}
	switch v := decodeAny(raw).(type) {
	case []any:
		for _, item := range v {
			if s := textOf(item); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := textOf(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// UnmarshalJSON decodes the record's own fields and hands the rest to the
// form decoder, which would otherwise be promoted and swallow them.
func (r *Record) UnmarshalJSON(data []byte) error {
	var meta struct {
		ID        string      `json:"id"`
		Result    risk.Result `json:"result"`
		CreatedAt time.Time   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	if err := r.FormData.UnmarshalJSON(data); err != nil {
		return err
	}
	r.ID, r.Result, r.CreatedAt = meta.ID, meta.Result, meta.CreatedAt
	return nil
}

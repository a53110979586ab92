package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/submission"
)

// loadForm reads an intake form from a YAML (or JSON) file. Fields left out
// keep the intake screen's defaults. "-" reads stdin.
func loadForm(path string, stdin io.Reader, logger zerolog.Logger) (calculation.FormData, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return calculation.FormData{}, fmt.Errorf("read form: %w", err)
	}
	return parseForm(raw, logger)
}

// parseForm decodes the document into a generic map and hands it to the
// form's JSON decoder, so values are coerced the same way the API coerces
// them. Unknown keys are reported and skipped.
func parseForm(raw []byte, logger zerolog.Logger) (calculation.FormData, error) {
	form := calculation.DefaultFormData()

	var doc map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return calculation.FormData{}, fmt.Errorf("parse form: %w", err)
	}
	for key := range doc {
		if !calculation.IsFormField(key) {
			logger.Warn().Str("field", key).Msg("unknown form field ignored")
		}
	}
	if len(doc) > 0 {
		data, err := json.Marshal(doc)
		if err != nil {
			return calculation.FormData{}, fmt.Errorf("parse form: %w", err)
		}
		if err := json.Unmarshal(data, &form); err != nil {
			return calculation.FormData{}, fmt.Errorf("parse form: %w", err)
		}
	}

	if form.NeonatalComplications == nil {
		form.NeonatalComplications = []string{}
	}
	if form.MaternalComplications == nil {
		form.MaternalComplications = []string{}
	}
	return form, nil
}

// printNavigation writes the result screen's payload.
func printNavigation(w io.Writer, nav submission.Navigation) {
	fmt.Fprintf(w, "%s %d/100\n", categoryStyle(nav.ColorHint).Render(string(nav.Category)+" risk"), nav.Score)
}

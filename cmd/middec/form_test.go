package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/client"
	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/risk"
)

func TestParseForm_KeepsDefaults(t *testing.T) {
	form, err := parseForm([]byte(`
patientName: Maria Lopez
maternalAge: "34"
efw: "4100"
gestDiabetes: "Yes"
neonatalComplications:
  - Hypoglycemia
`), zerolog.Nop())
	if err != nil {
		t.Fatalf("parseForm: %v", err)
	}
	if form.PatientName != "Maria Lopez" || form.MaternalAge != "34" || form.EFW != "4100" {
		t.Errorf("fields not decoded: %+v", form)
	}
	if form.GestDiabetes != "Yes" {
		t.Errorf("expected GestDiabetes Yes, got %q", form.GestDiabetes)
	}
	if form.Smoking != "No" || form.NeonatalSex != "Male" {
		t.Errorf("expected untouched defaults, got smoking=%q sex=%q", form.Smoking, form.NeonatalSex)
	}
	if len(form.NeonatalComplications) != 1 || form.MaternalComplications == nil {
		t.Errorf("unexpected complications %v / %v", form.NeonatalComplications, form.MaternalComplications)
	}
}

func TestParseForm_Empty(t *testing.T) {
	form, err := parseForm(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("parseForm: %v", err)
	}
	if form.Smoking != "No" || form.NeonatalComplications == nil {
		t.Errorf("expected the default form, got %+v", form)
	}
}

func TestParseForm_WarnsOnUnknownField(t *testing.T) {
	var logs bytes.Buffer
	form, err := parseForm([]byte("patientNmae: typo\nefw: 3900\n"), zerolog.New(&logs))
	if err != nil {
		t.Fatalf("parseForm: %v", err)
	}
	if form.PatientName != "" || form.EFW != "3900" {
		t.Errorf("unexpected form %+v", form)
	}
	if !strings.Contains(logs.String(), "patientNmae") {
		t.Errorf("expected a warning naming the unknown field, got %q", logs.String())
	}
}

func TestParseForm_CoercesNonTextValues(t *testing.T) {
	form, err := parseForm([]byte(`
maternalAge: 30
efw: 3200
gestDiabetes: yes
insulin: true
maternalComplications: Preeclampsia
neonatalComplications: {}
`), zerolog.Nop())
	if err != nil {
		t.Fatalf("parseForm: %v", err)
	}
	if form.MaternalAge != "30" || form.EFW != "3200" {
		t.Errorf("numbers should keep their text, got age=%q efw=%q", form.MaternalAge, form.EFW)
	}
	if form.GestDiabetes != "yes" || form.Insulin != "Yes" {
		t.Errorf("unexpected yes/no fields %q / %q", form.GestDiabetes, form.Insulin)
	}
	if len(form.MaternalComplications) != 1 || form.MaternalComplications[0] != "Preeclampsia" {
		t.Errorf("expected a one-item list, got %v", form.MaternalComplications)
	}
	if form.NeonatalComplications == nil || len(form.NeonatalComplications) != 0 {
		t.Errorf("expected an empty list, got %v", form.NeonatalComplications)
	}
}

func TestParseForm_AcceptsJSON(t *testing.T) {
	form, err := parseForm([]byte(`{"archiveNo":"A-17","bpd":"95"}`), zerolog.Nop())
	if err != nil {
		t.Fatalf("parseForm: %v", err)
	}
	if form.ArchiveNo != "A-17" || form.BPD != "95" {
		t.Errorf("fields not decoded: %+v", form)
	}
}

func TestLoadForm_FileAndStdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.yaml")
	if err := os.WriteFile(path, []byte("patientName: From File\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	form, err := loadForm(path, nil, zerolog.Nop())
	if err != nil || form.PatientName != "From File" {
		t.Fatalf("loadForm(file) = %+v, %v", form, err)
	}

	form, err = loadForm("-", strings.NewReader("patientName: From Stdin\n"), zerolog.Nop())
	if err != nil || form.PatientName != "From Stdin" {
		t.Fatalf("loadForm(stdin) = %+v, %v", form, err)
	}

	if _, err := loadForm(filepath.Join(t.TempDir(), "missing.yaml"), nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestPrintPage(t *testing.T) {
	rec := calculation.NewRecord(calculation.FormData{ArchiveNo: "A-1", PatientName: "Maria"}, risk.NewResult(80))
	rec.CreatedAt = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	var buf bytes.Buffer
	printPage(&buf, &client.ListPage{Data: []*calculation.Record{rec}, Total: 3, Limit: 1, HasMore: true})
	out := buf.String()
	for _, want := range []string{"A-1", "Maria", "High", "80", "1 of 3", "--offset 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

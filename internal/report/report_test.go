package report

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/samples"
)

func decodeScenario(t *testing.T, s samples.Scenario) *pipeline.Result {
	t.Helper()
	data, err := samples.BuildTrace(s)
	if err != nil {
		t.Fatalf("BuildTrace: %v", err)
	}
	res, err := pipeline.DecodeReader(context.Background(), bytes.NewReader(data), pipeline.Options{Logger: common.NopLogger()})
	if err != nil {
		t.Fatalf("DecodeReader: %v", err)
	}
	res.Source = s.FileName()
	return res
}

func TestJSONRoundTrip(t *testing.T) {
	res := decodeScenario(t, samples.ScenarioDTC)
	path := filepath.Join(t.TempDir(), "out", "report.json")
	if err := SaveJSON(res, path); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}
	got, err := LoadJSON(path)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if got.Digest != res.Digest || got.Analysis != res.Analysis || len(got.DTCs) != len(res.DTCs) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.DTCs[0].Code != "U012345" || got.DTCs[0].StatusFlags[0] != "testFailed" {
		t.Fatalf("first DTC = %+v", got.DTCs[0])
	}
}

func TestCBORRoundTrip(t *testing.T) {
	res := decodeScenario(t, samples.ScenarioNegative)
	path := filepath.Join(t.TempDir(), "report.cbor")
	if err := SaveCBOR(res, path); err != nil {
		t.Fatalf("SaveCBOR: %v", err)
	}
	got, err := LoadCBOR(path)
	if err != nil {
		t.Fatalf("LoadCBOR: %v", err)
	}
	if got.Absence == nil || got.Absence.Kind != res.Absence.Kind {
		t.Fatalf("Absence = %+v", got.Absence)
	}
	if len(got.Messages) != len(res.Messages) || got.Messages[3].NegativeResponseCode == nil {
		t.Fatalf("Messages = %+v", got.Messages)
	}
	if *got.Messages[3].NegativeResponseCode != 0x31 {
		t.Fatalf("NRC = 0x%02X", *got.Messages[3].NegativeResponseCode)
	}

	again := filepath.Join(t.TempDir(), "again.cbor")
	if err := SaveCBOR(res, again); err != nil {
		t.Fatalf("SaveCBOR: %v", err)
	}
	a, _ := os.ReadFile(path)
	b, _ := os.ReadFile(again)
	if !bytes.Equal(a, b) {
		t.Fatal("CBOR encoding is not deterministic")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadJSON(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadJSON missing: %v", err)
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0o644)
	if _, err := LoadJSON(bad); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadCBOR(bad); err == nil {
		t.Fatal("expected CBOR parse error")
	}
}

func TestSavePDF(t *testing.T) {
	tests := []struct {
		name     string
		scenario samples.Scenario
		lang     Language
	}{
		{"dtc-en", samples.ScenarioDTC, LangEnglish},
		{"dtc-es", samples.ScenarioDTC, LangSpanish},
		{"absent", samples.ScenarioNotObserved, LangEnglish},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decodeScenario(t, tt.scenario)
			path := filepath.Join(t.TempDir(), "report.pdf")
			opts := PDFOptions{Translator: NewTranslator(tt.lang), Note: "bench test"}
			if err := SavePDF(res, path, opts); err != nil {
				t.Fatalf("SavePDF: %v", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if !bytes.HasPrefix(data, []byte("%PDF-")) {
				t.Fatalf("not a PDF: %q", data[:8])
			}
		})
	}
}

func TestWritePDFWithoutDigest(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePDF(&buf, &pipeline.Result{}, PDFOptions{}); err != nil {
		t.Fatalf("WritePDF: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("empty PDF")
	}
}

func TestDigestToQR(t *testing.T) {
	png, err := DigestToQR("ba78:16bf 8f01", 64)
	if err != nil {
		t.Fatalf("DigestToQR: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("not a PNG")
	}
	if _, err := DigestToQR("  zz ", 0); err == nil {
		t.Fatal("expected error for empty digest")
	}
	if got := sanitizeDigest("ab-12 ff"); got != "AB12FF" {
		t.Fatalf("sanitizeDigest = %q", got)
	}
}

func TestTranslator(t *testing.T) {
	es := NewTranslator(LangSpanish)
	if es.T("dtc.title") != "Códigos DTC" {
		t.Fatalf("es dtc.title = %q", es.T("dtc.title"))
	}
	if es.T("no.such.key") != "no.such.key" {
		t.Fatal("unknown keys should echo")
	}
	if got := NewTranslator("fr").Lang(); got != LangEnglish {
		t.Fatalf("fallback lang = %s", got)
	}
	if got := es.Format("dtc.ecu", 0x7E8, "ECM"); got != "ECU ID: 0x7E8 (ECM)" {
		t.Fatalf("Format = %q", got)
	}
	var zero Translator
	if zero.T("analysis.title") != "Analysis" {
		t.Fatal("zero translator should read English")
	}

	for in, want := range map[string]Language{"": LangEnglish, "ES": LangSpanish, "español": LangSpanish} {
		got, err := ParseLanguage(in)
		if err != nil || got != want {
			t.Errorf("ParseLanguage(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseLanguage("klingon"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteText(t *testing.T) {
	res := decodeScenario(t, samples.ScenarioDTC)
	var plain bytes.Buffer
	if err := WriteText(&plain, res, TextOptions{Messages: true}); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := plain.String()
	for _, want := range []string{"U012345", "Active/static", samples.VIN, res.Analysis, "Req ReadDTCInformation"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output contains escape codes")
	}

	neg := decodeScenario(t, samples.ScenarioNegative)
	var colored bytes.Buffer
	if err := WriteText(&colored, neg, TextOptions{Color: true, Messages: true}); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if !strings.Contains(colored.String(), "\x1b[") || !strings.Contains(colored.String(), "requestOutOfRange") {
		t.Errorf("colored output = %q", colored.String())
	}
}

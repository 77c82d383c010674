package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
	"github.com/witcacy/CANUDS-DTC-Report/internal/samples"
	"github.com/witcacy/CANUDS-DTC-Report/internal/uds"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeSamples(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := samples.WriteFiles(dir); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	return dir
}

func TestBatchCmdGeneratesOutputs(t *testing.T) {
	inputDir := writeSamples(t)
	nested := filepath.Join(inputDir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll nested: %v", err)
	}
	data, err := samples.BuildTrace(samples.ScenarioNegative)
	if err != nil {
		t.Fatalf("BuildTrace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "bench.trc"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	outDir := filepath.Join(t.TempDir(), "out")

	stdout, err := runCLI(t, "batch",
		"--in", inputDir,
		"--out-dir", outDir,
		"--concurrency", "2",
		"--descriptions", filepath.Join(inputDir, samples.DescriptionsFileName),
	)
	if err != nil {
		t.Fatalf("batch: %v\n%s", err, stdout)
	}
	if !strings.Contains(stdout, "6 trace(s), 0 failed") {
		t.Fatalf("unexpected summary:\n%s", stdout)
	}

	check := func(name string, wantDTCs int, wantAbsence uds.AbsenceKind) {
		t.Helper()
		dir := filepath.Join(outDir, name)
		for _, f := range []string{"report.json", "report.cbor", "report.pdf", "manifest.json"} {
			if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
				t.Fatalf("%s/%s missing: %v", name, f, err)
			}
		}
		raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
		if err != nil {
			t.Fatalf("ReadFile report %s: %v", name, err)
		}
		var res pipeline.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("Unmarshal report %s: %v", name, err)
		}
		if len(res.DTCs) != wantDTCs {
			t.Fatalf("%s: dtcs = %d, want %d", name, len(res.DTCs), wantDTCs)
		}
		if wantAbsence == 0 {
			if res.Absence != nil {
				t.Fatalf("%s: unexpected absence %v", name, res.Absence.Kind)
			}
			return
		}
		if res.Absence == nil || res.Absence.Kind != wantAbsence {
			t.Fatalf("%s: absence = %+v, want %s", name, res.Absence, wantAbsence)
		}
	}

	check("sample_dtc", 4, 0)
	check("sample_negative", 0, uds.AbsenceNegativeResponse)
	check("sample_request_only", 0, uds.AbsenceNoResponse)
	check("sample_not_observed", 0, uds.AbsenceNotObserved)
	check("sample_decoder_mismatch", 0, uds.AbsenceDecoderMismatch)
	check(filepath.Join("nested", "bench"), 0, uds.AbsenceNegativeResponse)
}

func TestBatchCmdSharedBaseNames(t *testing.T) {
	inputDir := t.TempDir()
	write := func(rel string, sc samples.Scenario) {
		t.Helper()
		data, err := samples.BuildTrace(sc)
		if err != nil {
			t.Fatalf("BuildTrace: %v", err)
		}
		path := filepath.Join(inputDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write(filepath.Join("a", "x.trc"), samples.ScenarioDTC)
	write(filepath.Join("b", "x.trc"), samples.ScenarioNegative)
	write("x.trc", samples.ScenarioRequestOnly)
	write("x.log", samples.ScenarioNotObserved)
	outDir := filepath.Join(t.TempDir(), "out")

	stdout, err := runCLI(t, "batch", "--in", inputDir, "--out-dir", outDir, "--concurrency", "4", "--pdf=false")
	if err != nil {
		t.Fatalf("batch: %v\n%s", err, stdout)
	}
	if !strings.Contains(stdout, "4 trace(s), 0 failed") {
		t.Fatalf("unexpected summary:\n%s", stdout)
	}

	want := map[string]string{
		filepath.Join("a", "x"): "",
		filepath.Join("b", "x"): uds.AbsenceNegativeResponse.String(),
		"x_trc":                 uds.AbsenceNoResponse.String(),
		"x_log":                 uds.AbsenceNotObserved.String(),
	}
	for dir, absence := range want {
		raw, err := os.ReadFile(filepath.Join(outDir, dir, "report.json"))
		if err != nil {
			t.Fatalf("%s: %v", dir, err)
		}
		var res pipeline.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("%s: Unmarshal: %v", dir, err)
		}
		got := ""
		if res.Absence != nil {
			got = res.Absence.Kind.String()
		}
		if got != absence {
			t.Fatalf("%s: absence = %q, want %q", dir, got, absence)
		}
		if _, err := os.Stat(filepath.Join(outDir, dir, "report.pdf")); !os.IsNotExist(err) {
			t.Fatalf("%s: pdf written with --pdf=false", dir)
		}
	}
}

func TestOutputDirs(t *testing.T) {
	root := filepath.Join("in")
	paths := []string{
		filepath.Join(root, "a", "x.trc"),
		filepath.Join(root, "b", "x.trc"),
		filepath.Join(root, "y.asc"),
		filepath.Join(root, "y.log"),
		filepath.Join(root, "z.trc"),
	}
	got := outputDirs(root, "out", paths)
	want := []string{
		filepath.Join("out", "a", "x"),
		filepath.Join("out", "b", "x"),
		filepath.Join("out", "y_asc"),
		filepath.Join("out", "y_log"),
		filepath.Join("out", "z"),
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outputDirs[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunBatchProgress(t *testing.T) {
	inputDir := writeSamples(t)
	var progress bytes.Buffer
	bo := batchOptions{inDir: inputDir, outDir: t.TempDir(), concurrency: 2, progress: true}
	results, err := runBatch(context.Background(), bo, pipeline.Options{}, report.LangEnglish, &progress)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if len(results) != len(samples.Scenarios()) {
		t.Fatalf("results = %d, want %d", len(results), len(samples.Scenarios()))
	}
	out := progress.String()
	if !strings.HasPrefix(out, "\rProgress: ") || !strings.HasSuffix(out, "\n") {
		t.Fatalf("unexpected progress output %q", out)
	}
	if !strings.Contains(out, "100.00%") {
		t.Fatalf("final progress line not complete: %q", out)
	}
}

func TestBatchCmdEmptyDir(t *testing.T) {
	if _, err := runCLI(t, "batch", "--in", t.TempDir(), "--out-dir", t.TempDir()); err == nil {
		t.Fatalf("expected error for a directory without traces")
	}
}

func TestDecodeCmdFormats(t *testing.T) {
	dir := writeSamples(t)
	tracePath := filepath.Join(dir, samples.ScenarioDTC.FileName())
	descPath := filepath.Join(dir, samples.DescriptionsFileName)

	text, err := runCLI(t, "decode", tracePath, "--descriptions", descPath)
	if err != nil {
		t.Fatalf("decode text: %v", err)
	}
	for _, want := range []string{"U012345", "Lost Communication With Engine Control Module", samples.VIN} {
		if !strings.Contains(text, want) {
			t.Errorf("text output missing %q:\n%s", want, text)
		}
	}

	raw, err := runCLI(t, "decode", tracePath, "--format", "json", "--layout", "pcan13")
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	var res pipeline.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(res.DTCs) != 4 || res.Source != samples.ScenarioDTC.FileName() {
		t.Fatalf("json result: %d dtcs, source %q", len(res.DTCs), res.Source)
	}

	nd, err := runCLI(t, "decode", tracePath, "--format", "ndjson")
	if err != nil {
		t.Fatalf("decode ndjson: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(nd), "\n")
	if !strings.Contains(lines[len(lines)-1], `"kind":"analysis"`) {
		t.Fatalf("last ndjson record = %s", lines[len(lines)-1])
	}

	pdfPath := filepath.Join(t.TempDir(), "report.pdf")
	if _, err := runCLI(t, "decode", tracePath, "--format", "pdf", "--out", pdfPath, "--lang", "es", "--progress"); err != nil {
		t.Fatalf("decode pdf: %v", err)
	}
	pdf, err := os.ReadFile(pdfPath)
	if err != nil || !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Fatalf("pdf output invalid: %v", err)
	}

	if _, err := runCLI(t, "decode", tracePath, "--format", "cbor"); err == nil {
		t.Fatalf("expected cbor without --out to fail")
	}
}

func TestReportCmdFromCBOR(t *testing.T) {
	dir := writeSamples(t)
	cborPath := filepath.Join(t.TempDir(), "result.cbor")
	if _, err := runCLI(t, "decode", filepath.Join(dir, samples.ScenarioNegative.FileName()), "--format", "cbor", "--out", cborPath); err != nil {
		t.Fatalf("decode cbor: %v", err)
	}
	out, err := runCLI(t, "report", cborPath, "--messages")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(out, "requestOutOfRange") {
		t.Fatalf("report output missing NRC name:\n%s", out)
	}
}

func TestConfigSources(t *testing.T) {
	dir := writeSamples(t)
	tracePath := filepath.Join(dir, samples.ScenarioDTC.FileName())

	t.Setenv("UDSCTL_LAYOUT", "vector")
	if _, err := runCLI(t, "decode", tracePath); err == nil {
		t.Fatalf("expected unknown layout from environment to fail")
	}
	if _, err := runCLI(t, "decode", tracePath, "--layout", "pcan13"); err != nil {
		t.Fatalf("flag should override environment: %v", err)
	}
	t.Setenv("UDSCTL_LAYOUT", "")

	cfg := filepath.Join(t.TempDir(), "udsctl.yaml")
	body := "descriptions: " + filepath.Join(dir, samples.DescriptionsFileName) + "\nlang: es\n"
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}
	out, err := runCLI(t, "decode", tracePath, "--config", cfg)
	if err != nil {
		t.Fatalf("decode with config: %v", err)
	}
	if !strings.Contains(out, "Mass Air Flow Sensor Circuit Intermittent") {
		t.Fatalf("config descriptions not applied:\n%s", out)
	}
}

func TestFramesCmd(t *testing.T) {
	dir := writeSamples(t)
	out, err := runCLI(t, "frames", filepath.Join(dir, samples.ScenarioNegative.FileName()))
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	for _, want := range []string{"ReadDTCInformation requestOutOfRange", "0x7E8", "orphans=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("frames output missing %q:\n%s", want, out)
		}
	}
}

func TestManifestSignAndVerify(t *testing.T) {
	dir := writeSamples(t)
	work := t.TempDir()
	keyPath, certPath := writeKeyPair(t, work)
	manifestPath := filepath.Join(work, "manifest.json")
	inputs := filepath.Join(dir, samples.ScenarioDTC.FileName()) + "," + filepath.Join(dir, samples.DescriptionsFileName)

	if _, err := runCLI(t, "manifest", "--inputs", inputs, "--out", manifestPath, "--sign", "--key", keyPath, "--cert", certPath); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, "manifest.jws")); err != nil {
		t.Fatalf("signature missing: %v", err)
	}
	out, err := runCLI(t, "verify-signature", "--manifest", manifestPath, "--cert", certPath)
	if err != nil || !strings.Contains(out, "Signature OK") {
		t.Fatalf("verify-signature: %v %s", err, out)
	}
	if out, err := runCLI(t, "manifest", "--check", "--out", manifestPath); err != nil || !strings.Contains(out, "2 items") {
		t.Fatalf("manifest --check: %v %s", err, out)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := bytes.Replace(raw, []byte(`"sha256"`), []byte(`"sha512"`), 1)
	if err := os.WriteFile(manifestPath, tampered, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := runCLI(t, "verify-signature", "--manifest", manifestPath, "--cert", certPath); err == nil {
		t.Fatalf("expected tampered manifest to fail verification")
	}
}

func TestSamplesCmd(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "samples")
	out, err := runCLI(t, "samples", "--out-dir", dir)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if got := strings.Count(out, "Wrote "); got != len(samples.Scenarios())+1 {
		t.Fatalf("wrote %d files, want %d", got, len(samples.Scenarios())+1)
	}
}

func writeKeyPair(t *testing.T, dir string) (keyPath, certPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "udsctl cli signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyPath = filepath.Join(dir, "key.pem")
	certPath = filepath.Join(dir, "cert.pem")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("WriteFile key: %v", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatalf("WriteFile cert: %v", err)
	}
	return keyPath, certPath
}

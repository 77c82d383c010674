package server

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/manifest"
	"github.com/witcacy/CANUDS-DTC-Report/internal/samples"
	"github.com/witcacy/CANUDS-DTC-Report/internal/uds"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.StorageDir == "" {
		opts.StorageDir = t.TempDir()
	}
	opts.Logger = common.NopLogger()
	srv, err := NewServer(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func traceBytes(t *testing.T, s samples.Scenario) []byte {
	t.Helper()
	data, err := samples.BuildTrace(s)
	require.NoError(t, err)
	return data
}

func uploadRequest(t *testing.T, url, name string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(traceFormField, name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req, err := http.NewRequest(http.MethodPost, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDecodeUpload(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	req := uploadRequest(t, ts.URL+"/api/v1/decode", "bench.trc", traceBytes(t, samples.ScenarioDTC), map[string]string{"lang": "es"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DecodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Result)
	assert.Equal(t, "bench.trc", out.Result.Source)
	assert.Len(t, out.Result.DTCs, 4)
	assert.Equal(t, "U012345", out.Result.DTCs[0].Code)
	assert.Nil(t, out.Result.Absence)
	require.Len(t, out.Artifacts, 4)

	wantTypes := map[string]string{
		"report.json":   "application/json",
		"report.cbor":   "application/cbor",
		"report.pdf":    "application/pdf",
		"manifest.json": "application/json",
	}
	for _, ref := range out.Artifacts {
		dl, err := http.Get(ts.URL + "/api/v1/artifacts/" + ref.ID)
		require.NoError(t, err)
		body, _ := io.ReadAll(dl.Body)
		dl.Body.Close()
		assert.Equal(t, http.StatusOK, dl.StatusCode, ref.Name)
		assert.Equal(t, wantTypes[ref.Name], dl.Header.Get("Content-Type"), ref.Name)
		assert.EqualValues(t, ref.Size, len(body), ref.Name)
	}
}

func TestDecodePathStream(t *testing.T) {
	_, ts := newTestServer(t, Options{AllowPaths: true})
	path := filepath.Join(t.TempDir(), "negative.trc")
	require.NoError(t, os.WriteFile(path, traceBytes(t, samples.ScenarioNegative), 0o644))

	body, _ := json.Marshal(map[string]any{"path": path, "layout": "pcan13"})
	resp, err := http.Post(ts.URL+"/api/v1/decode?stream=true", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var kinds []string
	var analysis struct {
		Text    string      `json:"text"`
		Absence uds.Absence `json:"absence"`
	}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var rec struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		kinds = append(kinds, rec.Kind)
		if rec.Kind == "analysis" {
			require.NoError(t, json.Unmarshal(rec.Data, &analysis))
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "artifacts", kinds[len(kinds)-1])
	assert.Equal(t, "analysis", kinds[len(kinds)-2])
	assert.Equal(t, uds.AbsenceNegativeResponse, analysis.Absence.Kind)
	assert.Contains(t, analysis.Text, "0x31")
}

func TestDecodeRejects(t *testing.T) {
	_, ts := newTestServer(t, Options{AllowPaths: true})
	path := filepath.Join(t.TempDir(), "local.trc")
	require.NoError(t, os.WriteFile(path, traceBytes(t, samples.ScenarioDTC), 0o644))

	tests := []struct {
		name string
		url  string
		body string
	}{
		{"bad json", "/api/v1/decode", `{`},
		{"empty path", "/api/v1/decode", `{}`},
		{"missing file", "/api/v1/decode", `{"path":"` + path + `.missing"}`},
		{"bad layout", "/api/v1/decode?layout=vector", `{"path":"` + path + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+tt.url, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Get(ts.URL + "/api/v1/decode")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDecodeUploadBadLayoutStoresNothing(t *testing.T) {
	srv, ts := newTestServer(t, Options{})
	req := uploadRequest(t, ts.URL+"/api/v1/decode?layout=asc", "bench.trc", traceBytes(t, samples.ScenarioDTC), nil)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, srv.listArtifacts())
	entries, err := os.ReadDir(srv.uploadsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	form := uploadRequest(t, ts.URL+"/api/v1/decode", "bench.trc", traceBytes(t, samples.ScenarioDTC), map[string]string{"layout": "nope"})
	resp2, err := http.DefaultClient.Do(form)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Empty(t, srv.listArtifacts())
}

func TestDecodePathNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	path := filepath.Join(t.TempDir(), "local.trc")
	require.NoError(t, os.WriteFile(path, traceBytes(t, samples.ScenarioDTC), 0o644))

	resp, err := http.Post(ts.URL+"/api/v1/decode", "application/json", strings.NewReader(`{"path":"`+path+`"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown artifact")
}

func TestDecodeUsesDescriptions(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, samples.DescriptionsFileName)
	require.NoError(t, os.WriteFile(descPath, samples.BuildDescriptions(), 0o644))
	namesPath := filepath.Join(dir, "ecus.yaml")
	require.NoError(t, os.WriteFile(namesPath, []byte("ecus:\n  \"0x7E8\": Bench ECM\n"), 0o644))

	_, ts := newTestServer(t, Options{DescriptionsPath: descPath, ECUNamesPath: namesPath})
	resp, err := http.DefaultClient.Do(uploadRequest(t, ts.URL+"/api/v1/decode", "dtc.trc", traceBytes(t, samples.ScenarioDTC), nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DecodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Lost Communication With Engine Control Module", out.Result.DTCs[0].Description)
	assert.Equal(t, "Bench ECM", out.Result.DTCs[0].Origin)
}

func TestNewServerBadDescriptions(t *testing.T) {
	_, err := NewServer(Options{StorageDir: t.TempDir(), DescriptionsPath: t.TempDir(), Logger: common.NopLogger()})
	assert.Error(t, err)
}

func TestArtifactDownloadErrors(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/api/v1/artifacts/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/artifacts/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServicesHealthMetrics(t *testing.T) {
	srv, ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/api/v1/services")
	require.NoError(t, err)
	var services []uds.ServiceEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&services))
	resp.Body.Close()
	assert.NotEmpty(t, services)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	upload := uploadRequest(t, ts.URL+"/api/v1/decode", "none.trc", traceBytes(t, samples.ScenarioNotObserved), nil)
	resp, err = http.DefaultClient.Do(upload)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `udsd_decodes_total{outcome="ok"}`)
	assert.Contains(t, string(body), `udsd_dtc_absence_total{kind="not-observed"}`)
	assert.Contains(t, string(body), `path="/api/v1/decode"`)

	resp, err = http.Get(ts.URL + "/api/v1/artifacts")
	require.NoError(t, err)
	var refs []ArtifactRef
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refs))
	resp.Body.Close()
	assert.Len(t, refs, len(srv.listArtifacts()))
	assert.Len(t, refs, 5)
}

func writeSigningPair(t *testing.T, dir string) ManifestSigningOptions {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "udsd test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	opts := ManifestSigningOptions{
		PrivateKeyPath:  filepath.Join(dir, "key.pem"),
		CertificatePath: filepath.Join(dir, "cert.pem"),
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(opts.PrivateKeyPath, keyPEM, 0o600))
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(opts.CertificatePath, certPEM, 0o644))
	return opts
}

func TestDecodeSignsManifest(t *testing.T) {
	signing := writeSigningPair(t, t.TempDir())
	_, ts := newTestServer(t, Options{ManifestSigning: signing})

	resp, err := http.DefaultClient.Do(uploadRequest(t, ts.URL+"/api/v1/decode", "dtc.trc", traceBytes(t, samples.ScenarioDTC), nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DecodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Artifacts, 5)

	download := func(name string) []byte {
		for _, ref := range out.Artifacts {
			if ref.Name != name {
				continue
			}
			dl, err := http.Get(ts.URL + "/api/v1/artifacts/" + ref.ID)
			require.NoError(t, err)
			defer dl.Body.Close()
			body, err := io.ReadAll(dl.Body)
			require.NoError(t, err)
			return body
		}
		t.Fatalf("artifact %s not listed", name)
		return nil
	}
	payload := download("manifest.json")
	var jws manifest.JWS
	require.NoError(t, json.Unmarshal(download("manifest.jws"), &jws))
	certPEM, err := os.ReadFile(signing.CertificatePath)
	require.NoError(t, err)
	assert.NoError(t, manifest.Verify(payload, jws, certPEM))

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(payload, &m))
	require.NotNil(t, m.Signature)
	assert.Contains(t, m.Signature.CertSubject, "udsd test signer")
	assert.Len(t, m.Items, 4)
}

func TestNewServerSigningNeedsBothFiles(t *testing.T) {
	_, err := NewServer(Options{
		StorageDir:      t.TempDir(),
		ManifestSigning: ManifestSigningOptions{PrivateKeyPath: "key.pem"},
		Logger:          common.NopLogger(),
	})
	assert.Error(t, err)
}

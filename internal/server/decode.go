package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
	"github.com/witcacy/CANUDS-DTC-Report/internal/manifest"
	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
	"github.com/witcacy/CANUDS-DTC-Report/internal/trace"
)

const traceFormField = "trace"

type decodeRequest struct {
	Path           string `json:"path"`
	Layout         string `json:"layout"`
	StrictSequence bool   `json:"strictSequence"`
	Lang           string `json:"lang"`
}

// DecodeResponse is the body of a non-streaming decode.
type DecodeResponse struct {
	Result    *pipeline.Result `json:"result"`
	Artifacts []ArtifactRef    `json:"artifacts"`
}

type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }

func badRequest(format string, args ...any) error {
	return &httpError{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he *httpError
	if errors.As(err, &he) {
		status = he.status
	}
	http.Error(w, err.Error(), status)
}

// decodeJob is a validated decode request. Uploads are only written to
// disk once every parameter has been accepted.
type decodeJob struct {
	req    decodeRequest
	layout trace.Layout
	lang   report.Language
	upload *multipart.FileHeader
	path   string
	name   string
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	job, err := s.parseDecode(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.upload != nil {
		art, err := s.saveUploadedFile(job.upload)
		if err != nil {
			writeError(w, badRequest("save upload %s: %v", job.upload.Filename, err))
			return
		}
		job.path, job.name = art.Path, art.Name
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-r.Context().Done():
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	res, err := pipeline.Run(r.Context(), job.path, pipeline.Options{
		Trace:        trace.Options{Layout: job.layout},
		ISOTP:        isotp.Options{StrictSequence: job.req.StrictSequence},
		Descriptions: s.res.descriptions,
		ECUNames:     s.res.ecuNames,
		Logger:       s.log,
	})
	if err != nil {
		Decodes.WithLabelValues("error").Inc()
		s.log.Warn("decode failed", "path", job.path, "err", err)
		writeError(w, err)
		return
	}
	res.Source = job.name
	s.observe(res)

	refs, err := s.writeArtifacts(res, job.path, job.lang)
	if err != nil {
		writeError(w, fmt.Errorf("write artifacts: %w", err))
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		w.Header().Set("Content-Type", "application/x-ndjson")
		nw := NewNDJSONWriter(w)
		if err := nw.WriteRecords(res); err != nil {
			s.log.Warn("stream records", "err", err)
			return
		}
		_ = nw.WriteObject(pipeline.Record{Kind: "artifacts", Data: refs})
		return
	}
	writeJSON(w, http.StatusOK, DecodeResponse{Result: res, Artifacts: refs})
}

func (s *Server) observe(res *pipeline.Result) {
	Decodes.WithLabelValues("ok").Inc()
	DecodeDuration.Observe(res.Stats.Duration.Seconds())
	FramesDecoded.Add(float64(res.Frames))
	DTCsExtracted.Add(float64(len(res.DTCs)))
	if res.Absence != nil {
		AbsenceKinds.WithLabelValues(res.Absence.Kind.String()).Inc()
	}
	s.log.Info("trace decoded",
		"source", res.Source,
		"frames", res.Frames,
		"messages", len(res.Messages),
		"dtcs", len(res.DTCs),
		"duration", res.Stats.Duration,
	)
}

// parseDecode reads a multipart upload or a JSON path request, applies the
// query overrides and validates them. JSON paths are resolved here; uploads
// are left for the caller to store.
func (s *Server) parseDecode(w http.ResponseWriter, r *http.Request) (decodeJob, error) {
	var job decodeJob
	req := &job.req
	multipartBody := strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/")
	if multipartBody {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return job, badRequest("parse multipart: %v", err)
		}
		if job.upload = firstFile(r.MultipartForm); job.upload == nil {
			return job, badRequest("no %q file uploaded", traceFormField)
		}
		req.Layout = r.FormValue("layout")
		req.Lang = r.FormValue("lang")
		req.StrictSequence, _ = strconv.ParseBool(r.FormValue("strictSequence"))
	} else if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return job, badRequest("invalid json: %v", err)
	}

	q := r.URL.Query()
	if v := q.Get("layout"); v != "" {
		req.Layout = v
	}
	if v := q.Get("lang"); v != "" {
		req.Lang = v
	}
	if v := q.Get("strict"); v != "" {
		req.StrictSequence, _ = strconv.ParseBool(v)
	}
	var err error
	if job.layout, err = trace.ParseLayout(req.Layout); err != nil {
		return job, badRequest("layout: %v", err)
	}
	if job.lang, err = report.ParseLanguage(req.Lang); err != nil {
		job.lang = s.opts.Language
	}
	if multipartBody {
		return job, nil
	}
	if job.path, job.name, err = s.resolvePath(req.Path); err != nil {
		return job, badRequest("input resolve: %v", err)
	}
	return job, nil
}

func firstFile(form *multipart.Form) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	if files := form.File[traceFormField]; len(files) > 0 {
		return files[0]
	}
	for _, files := range form.File {
		if len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

func (s *Server) saveUploadedFile(fh *multipart.FileHeader) (Artifact, error) {
	src, err := fh.Open()
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()
	pattern := "upload-*" + filepath.Ext(fh.Filename)
	dest, err := os.CreateTemp(s.uploadsDir, pattern)
	if err != nil {
		return Artifact{}, err
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(dest.Name())
		return Artifact{}, err
	}
	dest.Close()
	return s.addArtifact(dest.Name(), filepath.Base(fh.Filename), "", "upload")
}

// writeArtifacts renders every report format plus a manifest of the trace
// and the reports.
func (s *Server) writeArtifacts(res *pipeline.Result, tracePath string, lang report.Language) ([]ArtifactRef, error) {
	dir, err := s.jobDir()
	if err != nil {
		return nil, err
	}
	jsonPath := filepath.Join(dir, "report.json")
	cborPath := filepath.Join(dir, "report.cbor")
	pdfPath := filepath.Join(dir, "report.pdf")
	manifestPath := filepath.Join(dir, "manifest.json")

	if err := report.SaveJSON(res, jsonPath); err != nil {
		return nil, err
	}
	if err := report.SaveCBOR(res, cborPath); err != nil {
		return nil, err
	}
	pdfOpts := report.PDFOptions{Translator: report.NewTranslator(lang), Note: s.opts.PDFNote}
	if err := report.SavePDF(res, pdfPath, pdfOpts); err != nil {
		return nil, err
	}
	m, err := manifest.Build([]string{tracePath, jsonPath, cborPath, pdfPath})
	if err != nil {
		return nil, err
	}
	outputs := []struct{ path, kind string }{
		{jsonPath, "report"},
		{cborPath, "report"},
		{pdfPath, "report"},
		{manifestPath, "manifest"},
	}
	if s.res.signKey != nil {
		signed, err := manifest.SignFile(m, manifestPath, "", s.res.signKey, s.res.signCert)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, struct{ path, kind string }{signed.Signature.SignatureFile, "signature"})
	} else if err := manifest.Save(m, manifestPath); err != nil {
		return nil, err
	}

	var refs []ArtifactRef
	for _, a := range outputs {
		art, err := s.addArtifact(a.path, "", "", a.kind)
		if err != nil {
			return nil, err
		}
		refs = append(refs, toRef(art))
	}
	return refs, nil
}

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
)

// NDJSONWriter streams newline-delimited JSON objects to the underlying writer.
type NDJSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
}

// NewNDJSONWriter wraps w. When w supports http.Flusher every record is
// flushed as soon as it is written.
func NewNDJSONWriter(w http.ResponseWriter) *NDJSONWriter {
	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	}
	return &NDJSONWriter{writer: w, flusher: flusher}
}

// WriteRecords writes every record of res in report order.
func (w *NDJSONWriter) WriteRecords(res *pipeline.Result) error {
	for _, rec := range res.Records() {
		if err := w.WriteObject(rec); err != nil {
			return err
		}
	}
	return nil
}

// WriteError writes an error record.
func (w *NDJSONWriter) WriteError(err error) error {
	return w.WriteObject(pipeline.Record{Kind: "error", Data: err.Error()})
}

// WriteObject marshals v, writes it followed by a newline and flushes.
func (w *NDJSONWriter) WriteObject(v any) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

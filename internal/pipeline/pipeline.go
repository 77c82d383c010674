package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/dict"
	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
	"github.com/witcacy/CANUDS-DTC-Report/internal/trace"
	"github.com/witcacy/CANUDS-DTC-Report/internal/uds"
)

const cancelCheckEvery = 4096

// Options configures one decode run.
type Options struct {
	Trace        trace.Options
	ISOTP        isotp.Options
	Descriptions *dict.Store
	ECUNames     map[uint32]string
	Metrics      *common.Metrics
	Logger       *slog.Logger
}

// Stats aggregates the counters of every stage.
type Stats struct {
	Trace    trace.Stats   `json:"trace"`
	ISOTP    isotp.Stats   `json:"isotp"`
	Pending  int           `json:"pending"`
	Duration time.Duration `json:"duration"`
}

// Result is everything a report needs. Sinks render it without decoding.
type Result struct {
	Source      string            `json:"source"`
	Digest      string            `json:"digest"`
	Size        int64             `json:"size"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Frames      int               `json:"frames"`
	Skipped     int               `json:"skipped"`
	Messages    []uds.MessageInfo `json:"messages"`
	DTCs        []uds.DtcInfo     `json:"dtcs"`
	ECUs        []uds.EcuInfo     `json:"ecus"`
	Groups      []uds.ECUGroup    `json:"groups"`
	Absence     *uds.Absence      `json:"absence,omitempty"`
	Analysis    string            `json:"analysis"`
	Stats       Stats             `json:"stats"`
}

// Run decodes the trace file at path. Failing to open or read it is the
// only error; malformed content never is.
func Run(ctx context.Context, path string, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	defer f.Close()
	if opts.Metrics != nil {
		if info, err := f.Stat(); err == nil {
			opts.Metrics.SetTotalBytes(info.Size())
		}
	}
	res, err := DecodeReader(ctx, f, opts)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	res.Source = filepath.Base(path)
	return res, nil
}

// DecodeReader runs the whole pipeline over r.
func DecodeReader(ctx context.Context, r io.Reader, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = common.Logger()
	}
	if opts.ISOTP.Logger == nil {
		opts.ISOTP.Logger = log
	}
	start := time.Now()
	if opts.Metrics != nil {
		opts.Metrics.Start()
		defer opts.Metrics.Stop()
	}

	hasher := common.NewHasher()
	rd := trace.NewReader(io.TeeReader(r, hasher), opts.Trace)
	rd.SetMetrics(opts.Metrics)
	asm := isotp.NewReassembler(opts.ISOTP)

	var msgs []isotp.Message
	for n := 0; ; n++ {
		if n%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !line.OK() {
			if line.Err != nil {
				log.Debug("skipping trace line", "err", line.Err)
			}
			continue
		}
		if msg, ok := asm.Feed(line.Frame); ok {
			msgs = append(msgs, msg)
		}
	}

	res := Interpret(msgs, opts)
	res.Digest = hasher.Sum()
	res.Size = hasher.Size()
	res.GeneratedAt = time.Now().UTC()
	res.Stats.Trace = rd.Stats()
	res.Stats.ISOTP = asm.Stats()
	res.Stats.Pending = asm.Pending()
	res.Frames = res.Stats.Trace.Frames
	res.Skipped = res.Stats.Trace.Skipped
	res.Stats.Duration = time.Since(start)
	if opts.Metrics != nil {
		opts.Metrics.AddMessages(len(msgs))
		opts.Metrics.AddDTCs(len(res.DTCs))
	}
	log.Debug("decode finished",
		"frames", res.Frames,
		"skipped", res.Skipped,
		"messages", len(msgs),
		"orphans", res.Stats.ISOTP.Orphans,
		"incomplete", res.Stats.Pending,
		"dtcs", len(res.DTCs),
	)
	return res, nil
}

// Interpret runs the UDS stage over already reassembled messages.
func Interpret(msgs []isotp.Message, opts Options) *Result {
	log := opts.Logger
	if log == nil {
		log = common.Logger()
	}
	names := uds.ECUNames(opts.ECUNames)
	if names == nil && opts.Descriptions != nil {
		names = uds.ECUNames(opts.Descriptions.ECUNames())
	}
	extract := uds.ExtractOptions{ECUNames: names, Logger: log}
	if opts.Descriptions != nil {
		extract.Descriptions = opts.Descriptions
	}
	res := &Result{
		Messages: uds.ClassifyAll(msgs),
		DTCs:     uds.ExtractDTCs(msgs, extract),
		ECUs:     uds.ExtractECUInfo(msgs),
	}
	res.Groups = uds.GroupByECU(res.DTCs, res.ECUs)
	if len(res.DTCs) == 0 {
		a := uds.ClassifyAbsence(res.Messages)
		res.Absence = &a
		res.Analysis = a.Message()
	} else {
		res.Analysis = uds.Summary(res.DTCs, res.Messages)
	}
	return res
}

// Record is one line of the NDJSON rendering of a Result.
type Record struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Records flattens the result in report order: messages, ECU info, DTCs and
// the analysis last.
func (r *Result) Records() []Record {
	out := make([]Record, 0, len(r.Messages)+len(r.ECUs)+len(r.DTCs)+1)
	for _, m := range r.Messages {
		out = append(out, Record{Kind: "message", Data: m})
	}
	for _, e := range r.ECUs {
		out = append(out, Record{Kind: "ecu", Data: e})
	}
	for _, d := range r.DTCs {
		out = append(out, Record{Kind: "dtc", Data: d})
	}
	out = append(out, Record{Kind: "analysis", Data: map[string]any{
		"text":    r.Analysis,
		"absence": r.Absence,
		"digest":  r.Digest,
	}})
	return out
}

// WriteNDJSON writes Records, one JSON object per line.
func (r *Result) WriteNDJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, rec := range r.Records() {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

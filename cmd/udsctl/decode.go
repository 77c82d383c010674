package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
)

// Output formats understood by decode, report and batch.
const (
	formatText   = "text"
	formatJSON   = "json"
	formatNDJSON = "ndjson"
	formatCBOR   = "cbor"
	formatPDF    = "pdf"
)

type renderOptions struct {
	format   string
	out      string
	color    bool
	messages bool
	note     string
	lang     report.Language
}

func newDecodeCmd(v *viper.Viper) *cobra.Command {
	var (
		ro          renderOptions
		progress    bool
		showMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "decode <trace>",
		Short: "Decode a trace and report its DTCs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			opts, err := s.pipelineOptions()
			if err != nil {
				return err
			}
			ro.lang = s.Lang
			if showMetrics {
				opts.Metrics = common.NewMetrics()
			}
			res, err := decodeFile(cmd.Context(), args[0], opts, progress, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), res, ro); err != nil {
				return err
			}
			if opts.Metrics != nil {
				printMetrics(cmd.ErrOrStderr(), opts.Metrics.Snapshot())
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ro.format, "format", "f", formatText, "output format: text, json, ndjson, cbor, pdf")
	f.StringVarP(&ro.out, "out", "o", "", "output file (stdout when empty; required for cbor and pdf)")
	f.BoolVar(&ro.color, "color", false, "colorize text output")
	f.BoolVar(&ro.messages, "messages", false, "include classified UDS messages in text output")
	f.StringVar(&ro.note, "note", "", "note printed in the PDF summary")
	f.BoolVar(&progress, "progress", false, "show a progress bar while reading the trace")
	f.BoolVar(&showMetrics, "metrics", false, "print decode throughput metrics")
	return cmd
}

// decodeFile runs the pipeline over path, optionally drawing a byte
// progress bar on w.
func decodeFile(ctx context.Context, path string, opts pipeline.Options, progress bool, w io.Writer) (*pipeline.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !progress {
		return pipeline.Run(ctx, path, opts)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	bar := newProgressBar(info.Size(), filepath.Base(path), w)
	pr := progressbar.NewReader(f, bar)
	res, err := pipeline.DecodeReader(ctx, &pr, opts)
	_ = bar.Finish()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	res.Source = filepath.Base(path)
	return res, nil
}

func newProgressBar(size int64, text string, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		size,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// render writes res in the requested format to ro.out, or to stdout for
// the formats that have a terminal form.
func render(stdout io.Writer, res *pipeline.Result, ro renderOptions) error {
	tr := report.NewTranslator(ro.lang)
	switch strings.ToLower(ro.format) {
	case formatText, "":
		return withOutput(stdout, ro.out, func(w io.Writer) error {
			return report.WriteText(w, res, report.TextOptions{Translator: tr, Color: ro.color, Messages: ro.messages})
		})
	case formatJSON:
		if ro.out != "" {
			return report.SaveJSON(res, ro.out)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case formatNDJSON:
		return withOutput(stdout, ro.out, res.WriteNDJSON)
	case formatCBOR:
		if ro.out == "" {
			return fmt.Errorf("--out is required for %s output", formatCBOR)
		}
		return report.SaveCBOR(res, ro.out)
	case formatPDF:
		if ro.out == "" {
			return fmt.Errorf("--out is required for %s output", formatPDF)
		}
		return report.SavePDF(res, ro.out, report.PDFOptions{Translator: tr, Note: ro.note})
	default:
		return fmt.Errorf("unknown format %q", ro.format)
	}
}

func withOutput(stdout io.Writer, path string, fn func(io.Writer) error) error {
	if path == "" {
		return fn(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printMetrics(w io.Writer, snap common.MetricsSnapshot) {
	fmt.Fprintf(w, "Metrics: duration=%s lines=%d frames=%d messages=%d dtcs=%d processed=%s throughput=%.2f MB/s\n",
		snap.Duration.Round(time.Millisecond),
		snap.Lines,
		snap.Frames,
		snap.Messages,
		snap.DTCs,
		common.FormatBytes(snap.Bytes),
		snap.ThroughputBytesPerSecond()/1_000_000,
	)
}

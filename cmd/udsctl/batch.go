package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/manifest"
	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
)

var traceExtensions = map[string]bool{".trc": true, ".asc": true, ".log": true}

type batchOptions struct {
	inDir       string
	outDir      string
	concurrency int
	pdf         bool
	failFast    bool
	progress    bool
}

type batchResult struct {
	input  string
	outDir string
	dtcs   int
	err    error
}

func newBatchCmd(v *viper.Viper) *cobra.Command {
	var bo batchOptions
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Decode every trace under a directory",
		Long: `batch walks --in for .trc, .asc and .log files and writes
report.json, report.cbor, an optional report.pdf and a manifest.json for each
one under --out-dir/<trace path relative to --in, without extension>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			opts, err := s.pipelineOptions()
			if err != nil {
				return err
			}
			results, err := runBatch(cmd.Context(), bo, opts, s.Lang, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return summarizeBatch(cmd.OutOrStdout(), results)
		},
	}
	f := cmd.Flags()
	f.StringVar(&bo.inDir, "in", ".", "input directory")
	f.StringVar(&bo.outDir, "out-dir", "out", "results directory")
	f.IntVar(&bo.concurrency, "concurrency", runtime.NumCPU(), "traces decoded at the same time")
	f.BoolVar(&bo.pdf, "pdf", true, "also render report.pdf")
	f.BoolVar(&bo.failFast, "fail-fast", false, "stop at the first trace that cannot be decoded")
	f.BoolVar(&bo.progress, "progress", false, "print combined progress of all traces to stderr")
	return cmd
}

func findTraces(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if traceExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

// outputDirs maps every trace to its own results directory: the path
// relative to root without the extension. Traces that still collide, such
// as x.trc and x.log, keep the extension as a suffix.
func outputDirs(root, outDir string, paths []string) []string {
	stems := make([]string, len(paths))
	seen := make(map[string]int, len(paths))
	for i, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(path)
		}
		stems[i] = strings.TrimSuffix(rel, filepath.Ext(rel))
		seen[stems[i]]++
	}
	dirs := make([]string, len(paths))
	for i, stem := range stems {
		if seen[stem] > 1 {
			stem += "_" + strings.TrimPrefix(filepath.Ext(paths[i]), ".")
		}
		dirs[i] = filepath.Join(outDir, stem)
	}
	return dirs
}

// batchProgress sums the metrics of every run so one progress line covers
// the whole batch.
type batchProgress struct {
	mu    sync.Mutex
	start time.Time
	total int64
	runs  []*common.Metrics
}

func newBatchProgress(paths []string) *batchProgress {
	p := &batchProgress{start: time.Now()}
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			p.total += info.Size()
		}
	}
	return p
}

func (p *batchProgress) track() *common.Metrics {
	m := common.NewMetrics()
	p.mu.Lock()
	p.runs = append(p.runs, m)
	p.mu.Unlock()
	return m
}

func (p *batchProgress) Snapshot() common.MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := common.MetricsSnapshot{Duration: time.Since(p.start), TotalBytes: p.total}
	for _, m := range p.runs {
		s := m.Snapshot()
		sum.Bytes += s.Bytes
		sum.Lines += s.Lines
		sum.Frames += s.Frames
		sum.Messages += s.Messages
		sum.DTCs += s.DTCs
	}
	return sum
}

// runBatch decodes the traces with at most bo.concurrency runs in flight.
// Each run is independent; a failed trace is reported in its result unless
// failFast is set. Progress goes to progressOut when bo.progress is set.
func runBatch(ctx context.Context, bo batchOptions, opts pipeline.Options, lang report.Language, progressOut io.Writer) ([]batchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	paths, err := findTraces(bo.inDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", bo.inDir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no trace files under %s", bo.inDir)
	}
	if bo.concurrency <= 0 {
		bo.concurrency = 1
	}
	dirs := outputDirs(bo.inDir, bo.outDir, paths)

	var progress *batchProgress
	if bo.progress && progressOut != nil {
		progress = newBatchProgress(paths)
		stop := common.StartProgressPrinter(progressOut, progress.Snapshot, 250*time.Millisecond)
		defer stop()
	}

	results := make([]batchResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bo.concurrency)
	for i, path := range paths {
		i, path := i, path
		runOpts := opts
		if progress != nil {
			runOpts.Metrics = progress.track()
		}
		g.Go(func() error {
			r := decodeOne(gctx, path, dirs[i], bo.pdf, runOpts, lang)
			results[i] = r
			if r.err != nil {
				common.Logger().Warn("batch decode failed", "trace", path, "err", r.err)
				if bo.failFast {
					return r.err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func decodeOne(ctx context.Context, path, outDir string, pdf bool, opts pipeline.Options, lang report.Language) batchResult {
	r := batchResult{input: path, outDir: outDir}
	res, err := pipeline.Run(ctx, path, opts)
	if err != nil {
		r.err = err
		return r
	}
	r.dtcs = len(res.DTCs)
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		r.err = err
		return r
	}
	outputs := []string{path}
	jsonPath := filepath.Join(r.outDir, "report.json")
	if err := report.SaveJSON(res, jsonPath); err != nil {
		r.err = err
		return r
	}
	cborPath := filepath.Join(r.outDir, "report.cbor")
	if err := report.SaveCBOR(res, cborPath); err != nil {
		r.err = err
		return r
	}
	outputs = append(outputs, jsonPath, cborPath)
	if pdf {
		pdfPath := filepath.Join(r.outDir, "report.pdf")
		if err := report.SavePDF(res, pdfPath, report.PDFOptions{Translator: report.NewTranslator(lang)}); err != nil {
			r.err = err
			return r
		}
		outputs = append(outputs, pdfPath)
	}
	m, err := manifest.Build(outputs)
	if err != nil {
		r.err = err
		return r
	}
	r.err = manifest.Save(m, filepath.Join(r.outDir, "manifest.json"))
	return r
}

func summarizeBatch(w io.Writer, results []batchResult) error {
	failed := 0
	for _, r := range results {
		if r.input == "" {
			continue
		}
		if r.err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", r.input, r.err)
			continue
		}
		fmt.Fprintf(w, "OK   %s -> %s (%d DTCs)\n", r.input, r.outDir, r.dtcs)
	}
	fmt.Fprintf(w, "%d trace(s), %d failed\n", len(results), failed)
	if failed > 0 {
		return fmt.Errorf("%d trace(s) failed", failed)
	}
	return nil
}

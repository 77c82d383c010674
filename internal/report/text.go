package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/uds"
)

// TextOptions controls the terminal rendering.
type TextOptions struct {
	Translator Translator
	// Color forces ANSI colors on or off regardless of the terminal.
	Color bool
	// Messages includes the classified message list.
	Messages bool
}

type palette struct {
	title, active, passive, neg, dim func(format string, a ...any) string
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) func(string, ...any) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintfFunc()
	}
	return palette{
		title:   mk(color.Bold, color.FgHiWhite),
		active:  mk(color.FgRed),
		passive: mk(color.FgYellow),
		neg:     mk(color.FgHiRed, color.Bold),
		dim:     mk(color.FgHiBlack),
	}
}

// WriteText renders res for a terminal.
func WriteText(w io.Writer, res *pipeline.Result, opts TextOptions) error {
	t := opts.Translator
	p := newPalette(opts.Color)
	var b strings.Builder

	fmt.Fprintln(&b, p.title("%s", t.T("report.title")))
	fmt.Fprintf(&b, "%s: %s\n", t.T("report.source"), emptyFallback(res.Source, "-"))
	fmt.Fprintf(&b, "%s: %s\n", t.T("report.digest"), emptyFallback(res.Digest, "-"))
	fmt.Fprintf(&b, "%s: %d  %s: %d\n\n", t.T("report.frames"), res.Frames, t.T("report.skipped"), res.Skipped)

	fmt.Fprintln(&b, p.title("%s", t.T("ecu.title")))
	if len(res.ECUs) == 0 {
		fmt.Fprintln(&b, "  "+t.T("ecu.empty"))
	}
	for _, e := range res.ECUs {
		fmt.Fprintf(&b, "  0x%03X  %-28s %-8s %s\n", e.CanID, e.Service, e.Identifier, e.Value)
	}
	b.WriteByte('\n')

	fmt.Fprintln(&b, p.title("%s", t.T("dtc.title")))
	if len(res.DTCs) == 0 {
		fmt.Fprintln(&b, "  "+t.T("dtc.empty"))
	}
	for _, d := range res.DTCs {
		status := statusColor(p, d.Status)("%-16s", d.Status)
		fmt.Fprintf(&b, "  %s  %s  0x%03X  %s  %s\n", d.Code, d.LCode, d.CanID, status, d.Description)
		fmt.Fprintln(&b, p.dim("           %s", d.Explanation))
	}
	b.WriteByte('\n')

	if opts.Messages {
		fmt.Fprintln(&b, p.title("%s", t.T("messages.title")))
		for _, m := range res.Messages {
			line := fmt.Sprintf("  %4d  0x%03X  %s", m.Number, m.CanID, m.String())
			if m.IsNegative() {
				line = p.neg("%s (%s)", line, uds.NRCName(*m.NegativeResponseCode))
			}
			fmt.Fprintln(&b, line)
		}
		b.WriteByte('\n')
	}

	fmt.Fprintln(&b, p.title("%s", t.T("analysis.title")))
	analysis := res.Analysis
	if res.Absence != nil && res.Absence.Kind == uds.AbsenceNegativeResponse {
		analysis = p.neg("%s", analysis)
	}
	fmt.Fprintln(&b, "  "+analysis)

	_, err := io.WriteString(w, b.String())
	return err
}

func statusColor(p palette, status string) func(string, ...any) string {
	switch status {
	case uds.StatusActive:
		return p.active
	case uds.StatusPassive:
		return p.passive
	default:
		return fmt.Sprintf
	}
}

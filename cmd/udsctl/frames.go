package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
	"github.com/witcacy/CANUDS-DTC-Report/internal/trace"
	"github.com/witcacy/CANUDS-DTC-Report/internal/uds"
)

func newFramesCmd(v *viper.Viper) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "frames <trace>",
		Short: "List the reassembled ISO-TP messages of a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			frames, stats, err := trace.ParseFile(args[0], trace.Options{Layout: s.Layout, CaptureStart: s.CaptureStart})
			if err != nil {
				return err
			}
			asm := isotp.NewReassembler(isotp.Options{StrictSequence: s.StrictSequence})
			msgs := asm.Decode(frames)
			out := cmd.OutOrStdout()
			if err := writeMessageTable(out, msgs, raw); err != nil {
				return err
			}
			as := asm.Stats()
			fmt.Fprintf(out, "\nlines=%d frames=%d skipped=%d messages=%d orphans=%d incomplete=%d\n",
				stats.Lines, stats.Frames, stats.Skipped, len(msgs), as.Orphans, asm.Pending())
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the contributing trace lines under each message")
	return cmd
}

func writeMessageTable(w io.Writer, msgs []isotp.Message, raw bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCAN ID\tLEN\tROLE\tSERVICE\tPAYLOAD")
	for i, msg := range msgs {
		role, service := "-", "-"
		if info, ok := uds.Classify(msg); ok {
			role = info.Role()
			service = info.ServiceName
			if info.IsNegative() {
				service = fmt.Sprintf("%s %s", service, uds.NRCName(*info.NegativeResponseCode))
			}
		}
		fmt.Fprintf(tw, "%d\t0x%03X\t%d\t%s\t%s\t% X\n", i+1, msg.ID, len(msg.Payload), role, service, msg.Payload)
		if raw {
			for _, l := range msg.Lines {
				fmt.Fprintf(tw, "\t\t\t\t\t  %d: %s\n", l.Number, l.Raw)
			}
		}
	}
	return tw.Flush()
}

func newReportCmd(v *viper.Viper) *cobra.Command {
	var ro renderOptions
	cmd := &cobra.Command{
		Use:   "report <result.json|result.cbor>",
		Short: "Render a saved decode result without decoding again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			ro.lang = s.Lang
			res, err := loadResult(args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), res, ro)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ro.format, "format", "f", formatText, "output format: text, json, ndjson, cbor, pdf")
	f.StringVarP(&ro.out, "out", "o", "", "output file")
	f.BoolVar(&ro.color, "color", false, "colorize text output")
	f.BoolVar(&ro.messages, "messages", false, "include classified UDS messages in text output")
	f.StringVar(&ro.note, "note", "", "note printed in the PDF summary")
	return cmd
}

// loadResult picks the decoder by file extension.
func loadResult(path string) (*pipeline.Result, error) {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return report.LoadCBOR(path)
	}
	return report.LoadJSON(path)
}

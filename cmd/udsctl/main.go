package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/dict"
	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
	"github.com/witcacy/CANUDS-DTC-Report/internal/trace"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const longDesc = `udsctl decodes CAN bus traces into ISO-TP messages, interprets the UDS
traffic and reports the diagnostic trouble codes it finds.

Settings shared by every command can come from flags, UDSCTL_* environment
variables or a udsctl.yaml file in the working directory:

  descriptions     DTC description table
  ecu_names        YAML or JSON map of CAN id to ECU name
  layout           trace layout (auto, pcan13, pcan11, pcan20, marker, candump)
  capture_start    RFC 3339 instant trace offsets are added to
  lang             report language (en, es)
  strict_sequence  drop messages with out-of-order consecutive frames
  debug            debug logging`

// settings are the values shared by every command after flags, environment
// and config file have been merged.
type settings struct {
	Descriptions   string
	ECUNames       string
	Layout         trace.Layout
	CaptureStart   time.Time
	Lang           report.Language
	StrictSequence bool
	Debug          bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "udsctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "udsctl",
		Short:         "CAN/UDS trace decoder and DTC reporter",
		Long:          longDesc,
		Version:       fmt.Sprintf("%s (built %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initViper(v, configFile); err != nil {
				return err
			}
			common.SetLogger(common.NewLogger(
				common.WithPretty(true),
				common.WithDebug(v.GetBool("debug")),
				common.WithWriters(cmd.ErrOrStderr()),
				common.WithPrefix("udsctl"),
			))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default ./udsctl.yaml)")
	pf.String("descriptions", "", "DTC description table")
	pf.String("ecu-names", "", "ECU name map (YAML or JSON)")
	pf.String("layout", "auto", "trace layout")
	pf.String("capture-start", "", "RFC 3339 capture start time")
	pf.String("lang", "en", "report language")
	pf.Bool("strict-sequence", false, "drop messages on consecutive frame sequence errors")
	pf.BoolP("debug", "d", false, "enable debug logging")
	for key, flag := range map[string]string{
		"descriptions":    "descriptions",
		"ecu_names":       "ecu-names",
		"layout":          "layout",
		"capture_start":   "capture-start",
		"lang":            "lang",
		"strict_sequence": "strict-sequence",
		"debug":           "debug",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}

	cmd.AddCommand(
		newDecodeCmd(v),
		newFramesCmd(v),
		newReportCmd(v),
		newBatchCmd(v),
		newManifestCmd(),
		newVerifySignatureCmd(),
		newSamplesCmd(),
	)
	return cmd
}

// initViper reads the config file, if any, and binds UDSCTL_* variables.
// Precedence is flags, environment, file, defaults.
func initViper(v *viper.Viper, configFile string) error {
	v.SetEnvPrefix("UDSCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("udsctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Descriptions:   v.GetString("descriptions"),
		ECUNames:       v.GetString("ecu_names"),
		StrictSequence: v.GetBool("strict_sequence"),
		Debug:          v.GetBool("debug"),
	}
	layout, err := trace.ParseLayout(v.GetString("layout"))
	if err != nil {
		return s, err
	}
	s.Layout = layout
	if raw := strings.TrimSpace(v.GetString("capture_start")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return s, fmt.Errorf("capture_start: %w", err)
		}
		s.CaptureStart = ts
	}
	lang, err := report.ParseLanguage(v.GetString("lang"))
	if err != nil {
		return s, err
	}
	s.Lang = lang
	return s, nil
}

// pipelineOptions loads the optional lookup tables named by s.
func (s settings) pipelineOptions() (pipeline.Options, error) {
	opts := pipeline.Options{
		Trace:  trace.Options{Layout: s.Layout, CaptureStart: s.CaptureStart},
		ISOTP:  isotp.Options{StrictSequence: s.StrictSequence},
		Logger: common.Logger(),
	}
	store, err := dict.LoadOptional(s.Descriptions)
	if err != nil {
		return opts, fmt.Errorf("descriptions: %w", err)
	}
	opts.Descriptions = store
	if s.ECUNames != "" {
		names, err := dict.LoadECUNames(s.ECUNames)
		if err != nil {
			return opts, fmt.Errorf("ecu names: %w", err)
		}
		opts.ECUNames = names
	}
	return opts, nil
}

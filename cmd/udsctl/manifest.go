package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/witcacy/CANUDS-DTC-Report/internal/manifest"
	"github.com/witcacy/CANUDS-DTC-Report/internal/samples"
)

func newManifestCmd() *cobra.Command {
	var (
		inputs   []string
		out      string
		sign     bool
		keyPath  string
		certPath string
		jwsOut   string
		check    bool
	)
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Hash traces and reports into a manifest, optionally signed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if check {
				m, err := manifest.Load(out)
				if err != nil {
					return err
				}
				if err := manifest.Check(m); err != nil {
					return err
				}
				fmt.Fprintf(w, "Manifest OK (%d items)\n", len(m.Items))
				return nil
			}

			var paths []string
			for _, p := range inputs {
				if p = strings.TrimSpace(p); p != "" {
					paths = append(paths, p)
				}
			}
			if len(paths) == 0 {
				return errors.New("required: --inputs")
			}
			m, err := manifest.Build(paths)
			if err != nil {
				return fmt.Errorf("manifest build: %w", err)
			}
			if !sign {
				if err := manifest.Save(m, out); err != nil {
					return fmt.Errorf("manifest save: %w", err)
				}
				fmt.Fprintln(w, "Wrote", out)
				return nil
			}

			if keyPath == "" || certPath == "" {
				return errors.New("--sign requires --key and --cert")
			}
			keyBytes, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			certBytes, err := os.ReadFile(certPath)
			if err != nil {
				return fmt.Errorf("read cert: %w", err)
			}
			signed, err := manifest.SignFile(m, out, jwsOut, keyBytes, certBytes)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "Wrote", out)
			fmt.Fprintln(w, "Wrote signature", signed.Signature.SignatureFile)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&inputs, "inputs", nil, "comma-separated paths")
	f.StringVar(&out, "out", "manifest.json", "output json")
	f.BoolVar(&sign, "sign", false, "sign manifest (detached JWS over JSON)")
	f.StringVar(&keyPath, "key", "", "PEM private key for signing (requires --sign)")
	f.StringVar(&certPath, "cert", "", "PEM certificate describing signer (requires --sign)")
	f.StringVar(&jwsOut, "jws-out", "", "output JWS file (defaults to manifest path with .jws)")
	f.BoolVar(&check, "check", false, "re-hash the items of an existing --out manifest")
	return cmd
}

func newVerifySignatureCmd() *cobra.Command {
	var manifestPath, jwsPath, certPath string
	cmd := &cobra.Command{
		Use:   "verify-signature",
		Short: "Verify a manifest against its detached JWS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" || certPath == "" {
				return errors.New("required: --manifest, --cert")
			}
			if jwsPath == "" {
				jwsPath = manifest.SignatureFileFor(manifestPath)
			}
			certBytes, err := os.ReadFile(certPath)
			if err != nil {
				return fmt.Errorf("read cert: %w", err)
			}
			if err := manifest.VerifyFile(manifestPath, jwsPath, certBytes); err != nil {
				return fmt.Errorf("verify signature: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signature OK")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&manifestPath, "manifest", "", "manifest JSON file")
	f.StringVar(&jwsPath, "jws", "", "manifest JWS signature file (defaults to manifest path with .jws)")
	f.StringVar(&certPath, "cert", "", "signer certificate (PEM)")
	return cmd
}

func newSamplesCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Write synthetic traces for every diagnostic scenario",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := samples.WriteFiles(outDir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), "Wrote", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "samples", "output directory")
	return cmd
}

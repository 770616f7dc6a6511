package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	attestation "github.com/kacy/dac-attestation"
	"github.com/kacy/dac-attestation/truststore"
)

// errRejected is returned when verification completed with problems.
var errRejected = errors.New("attestation rejected")

type verifyOptions struct {
	dac           string
	pai           string
	elements      string
	signature     string
	challenge     string
	expectedNonce string
	vendorID      string
	productID     string
	anchors       string
	format        string
	output        string
	ci            bool
}

func (a *app) newVerifyCmd() *cobra.Command {
	var opts verifyOptions

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a device attestation",
		Long: `Verify a device attestation and print the verdict.

The exit status is 0 when the attestation is accepted, 2 when it is rejected
and 1 when the inputs could not be read.`,
		Example: `  attestcheck verify --anchors ./cd-anchors \
    --dac dac.der --pai pai.der --elements elements.tlv \
    --signature sig.bin --challenge 00112233445566778899aabbccddeeff \
    --vid FFF1 --pid 8000 --ci`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("ci") {
				a.cfg.CI = opts.ci
			}
			if opts.format != "" {
				a.cfg.Format = opts.format
			}
			if opts.anchors != "" {
				a.cfg.Anchors = AnchorsConfig{Dir: opts.anchors}
			}
			if err := a.cfg.validate(); err != nil {
				return err
			}
			return a.runVerify(cmd.Context(), &opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dac, "dac", "", "DAC certificate (DER file)")
	flags.StringVar(&opts.pai, "pai", "", "PAI certificate (DER file)")
	flags.StringVar(&opts.elements, "elements", "", "Attestation elements (TLV file)")
	flags.StringVar(&opts.signature, "signature", "", "Attestation signature (raw r||s file)")
	flags.StringVar(&opts.challenge, "challenge", "", "Attestation challenge (hex)")
	flags.StringVar(&opts.expectedNonce, "nonce", "", "Expected attestation nonce (hex, optional)")
	flags.StringVar(&opts.vendorID, "vid", "", "Basic information vendor ID (hex)")
	flags.StringVar(&opts.productID, "pid", "", "Basic information product ID (hex)")
	flags.StringVar(&opts.anchors, "anchors", "", "Directory of declaration signing certificates (overrides config)")
	flags.StringVarP(&opts.format, "format", "f", "", "Output format: text, json, cbor (overrides config)")
	flags.StringVarP(&opts.output, "output", "o", "", "Write the report to a file instead of stdout")
	flags.BoolVar(&opts.ci, "ci", false, "Accept CI test declarations")

	for _, name := range []string{"dac", "pai", "elements", "signature", "challenge", "vid", "pid"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) runVerify(ctx context.Context, opts *verifyOptions) error {
	req, err := opts.request()
	if err != nil {
		return err
	}
	req.Validation.CI = a.cfg.CI

	store, err := a.loadTrustStore(ctx)
	if err != nil {
		return err
	}

	verifier, err := attestation.NewVerifier(attestation.Config{
		TrustStore: store,
		Logger:     a.log,
	})
	if err != nil {
		return err
	}

	verdict, err := verifier.Verify(ctx, req)
	if err != nil {
		return err
	}

	report := verdict.Report(time.Now())
	if err := a.writeReport(report, opts.output); err != nil {
		return err
	}
	if !report.Passed {
		return errRejected
	}
	return nil
}

func (o *verifyOptions) request() (*attestation.Request, error) {
	var (
		req attestation.Request
		err error
	)
	files := []struct {
		path string
		dst  *[]byte
	}{
		{o.dac, &req.DAC},
		{o.pai, &req.PAI},
		{o.elements, &req.AttestationElements},
		{o.signature, &req.AttestationSignature},
	}
	for _, f := range files {
		if *f.dst, err = os.ReadFile(f.path); err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
	}

	if req.AttestationChallenge, err = hex.DecodeString(o.challenge); err != nil {
		return nil, fmt.Errorf("invalid challenge: %w", err)
	}
	if o.expectedNonce != "" {
		if req.ExpectedNonce, err = hex.DecodeString(o.expectedNonce); err != nil {
			return nil, fmt.Errorf("invalid nonce: %w", err)
		}
	}
	if req.BasicInformation.VendorID, err = parseID(o.vendorID); err != nil {
		return nil, fmt.Errorf("invalid vendor ID: %w", err)
	}
	if req.BasicInformation.ProductID, err = parseID(o.productID); err != nil {
		return nil, fmt.Errorf("invalid product ID: %w", err)
	}
	return &req, nil
}

// parseID parses a hexadecimal vendor or product ID with an optional 0x
// prefix.
func parseID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func (a *app) loadTrustStore(ctx context.Context) (truststore.Store, error) {
	anchors := a.cfg.Anchors
	switch {
	case anchors.GCS.Bucket != "":
		return truststore.LoadGCS(ctx, truststore.GCSConfig{
			Bucket:          anchors.GCS.Bucket,
			Prefix:          anchors.GCS.Prefix,
			CredentialsFile: anchors.GCS.CredentialsFile,
			Endpoint:        anchors.GCS.Endpoint,
			Logger:          a.log,
		})
	case anchors.Dir != "":
		return truststore.LoadDir(anchors.Dir, a.log)
	default:
		return nil, errors.New("no trust anchors configured: use --anchors or set anchors in the config file")
	}
}

func (a *app) writeReport(report *attestation.Report, path string) error {
	var (
		data []byte
		err  error
	)
	switch a.cfg.Format {
	case "json":
		data, err = report.JSON()
		data = append(data, '\n')
	case "cbor":
		data, err = report.CBOR()
	default:
		if path == "" {
			printReport(a.out, report)
			return nil
		}
		data, err = report.JSON()
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if path == "" {
		_, err = a.out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	printReport(a.out, report)
	return nil
}

var (
	passColor    = color.New(color.FgGreen, color.Bold)
	failColor    = color.New(color.FgRed, color.Bold)
	stageColor   = color.New(color.FgYellow)
	detailsColor = color.New(color.Faint)
)

func printReport(w io.Writer, r *attestation.Report) {
	detailsColor.Fprintf(w, "report %s at %s\n", r.ID, r.CheckedAt.Format(time.RFC3339))
	if r.Passed {
		passColor.Fprint(w, "PASS")
		fmt.Fprintln(w, " attestation accepted")
		return
	}

	failColor.Fprint(w, "FAIL")
	fmt.Fprintf(w, " %d problem(s)\n", len(r.Problems))
	for _, p := range r.Problems {
		fmt.Fprint(w, "  ")
		stageColor.Fprintf(w, "%-22s", p.Stage)
		if p.Rule != "" {
			fmt.Fprintf(w, " %s/%s: %s\n", p.Code, p.Rule, p.Message)
		} else {
			fmt.Fprintf(w, " %s: %s\n", p.Code, p.Message)
		}
	}
}

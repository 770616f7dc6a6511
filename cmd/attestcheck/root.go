package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// app carries state shared by the subcommands of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
	noColor    bool

	cfg *Config
	log *logrus.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "attestcheck",
		Short: "Verify Matter device attestations",
		Long: `attestcheck verifies a device attestation offline: the DAC and PAI
certificates, the signed Certification Declaration carried in the attestation
elements and the device's attestation signature.

Declaration signing keys are loaded from a directory of certificates or from
a Cloud Storage bucket.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (overrides config)")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(a.newVerifyCmd(), a.newInspectCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.log = logrus.New()
	a.log.SetOutput(a.errOut)
	a.log.SetLevel(level)

	if a.noColor {
		color.NoColor = true
	}
	a.cfg = cfg
	return nil
}

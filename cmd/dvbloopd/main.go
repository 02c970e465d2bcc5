// dvbloopd exposes a real DVB adapter under a second adapter number through
// CUSE, forwarding every operation of the virtual nodes to the source nodes.
// It also ships discovery, diagnostics and CDI spec helpers for the adapters.
//
// Usage:
//
//	dvbloopd run -s 4 -a 0 -m 256
//	dvbloopd discover
//	dvbloopd doctor -s 4 -a 0
//	dvbloopd cdi generate --adapter 0
//	dvbloopd cdi cleanup --prefix dvb
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/9000h/dvbloop-cuse/pkg/adapter"
	"github.com/9000h/dvbloop-cuse/pkg/cdi"
	"github.com/9000h/dvbloop-cuse/pkg/discover"
	"github.com/9000h/dvbloop-cuse/pkg/doctor"
	"github.com/9000h/dvbloop-cuse/pkg/dvbcuse"
	"github.com/9000h/dvbloop-cuse/pkg/types"
	"github.com/9000h/dvbloop-cuse/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "dvbloopd",
		Short: "CUSE based DVB loop daemon",
		Long:  "Exposes a DVB adapter under another adapter number through CUSE and manages CDI specs for DVB adapters.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newRunCmd(),
		newDiscoverCmd(),
		newDoctorCmd(),
		newCDICmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var (
		number int
		output string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover DVB adapters and their device nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapters, err := discoverAdapters(adapter.NewDiscoverer(), number < 0, number)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), adapters)
			default:
				discover.PrintTable(cmd.OutOrStdout(), adapters)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&number, "adapter", -1, "Adapter number (all adapters if omitted)")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd() *cobra.Command {
	var (
		dev      deviceFlags
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics for a DVB loop setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dev.settings(cmd.Flags())
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				log.Warnf("loop settings are not usable: %v", err)
			}

			report := doctor.Diagnose(doctor.Options{
				Source:  s.Source,
				Config:  s.DeviceConfig(),
				DevRoot: dvbcuse.DefaultDevRoot,
			})

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), report, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), report, showPass)
			}

			if report.ExitNonZero(strict) {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	dev.register(cmd.Flags())
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  cdi
// ──────────────────────────────────────────────

func newCDICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cdi",
		Short: "Manage CDI spec files for DVB adapters",
	}
	cmd.AddCommand(newCDIGenerateCmd(), newCDICleanupCmd())
	return cmd
}

func newCDIGenerateCmd() *cobra.Command {
	var (
		all       bool
		number    int
		prefix    string
		name      string
		outputDir string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a CDI spec file for DVB adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapters, err := discoverAdapters(adapter.NewDiscoverer(), all, number)
			if err != nil {
				return fmt.Errorf("adapter discovery failed: %w", err)
			}

			name = utils.SanitizeName(name)
			if err := cdi.CreateCDISpec(prefix, name, adapters, outputDir, format); err != nil {
				return fmt.Errorf("CDI spec generation failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s/%s\n",
				outputDir, cdi.SpecFileName(prefix, name, format))
			names, err := cdi.QualifiedNames(adapters, prefix, name)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include all discovered DVB adapters")
	cmd.Flags().IntVar(&number, "adapter", -1, "Adapter number")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix")
	cmd.Flags().StringVar(&name, "name", cdi.DefaultName, "CDI resource name")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for CDI spec files")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")

	cmd.MarkFlagsMutuallyExclusive("all", "adapter")
	cmd.MarkFlagsOneRequired("all", "adapter")

	return cmd
}

func newCDICleanupCmd() *cobra.Command {
	var (
		prefix    string
		name      string
		outputDir string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove CDI spec files created by this tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := cdi.CleanupSpecs(outputDir, prefix, name, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching spec files found.")
				return nil
			}
			action := "Removed"
			if dryRun {
				action = "Would remove"
			}
			for _, f := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix to match")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name to match (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dvbloopd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// discoverAdapters returns every adapter when all is set, otherwise adapter n.
func discoverAdapters(d types.AdapterDiscoverer, all bool, n int) ([]*types.Adapter, error) {
	if all {
		return d.DiscoverAll()
	}
	a, err := d.DiscoverByNumber(n)
	if err != nil {
		return nil, err
	}
	return []*types.Adapter{a}, nil
}

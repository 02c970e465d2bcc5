package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/adapter"
	"github.com/9000h/dvbloop-cuse/pkg/cdi"
	"github.com/9000h/dvbloop-cuse/pkg/config"
	"github.com/9000h/dvbloop-cuse/pkg/discover"
	"github.com/9000h/dvbloop-cuse/pkg/dvbcuse"
	"github.com/9000h/dvbloop-cuse/pkg/session"
	"github.com/9000h/dvbloop-cuse/pkg/types"
	"github.com/9000h/dvbloop-cuse/pkg/utils"
)

// deviceFlags are the loop settings shared by run and doctor. Explicit flags
// override the config file, which overrides the defaults.
type deviceFlags struct {
	configPath  string
	source      int
	adapter     int
	major       int
	minorBase   int
	owner       int
	group       int
	perms       string
	maxSessions int
	disabled    [types.NumEndpoints]bool
}

// disableShorthands are the single-letter switches of each endpoint.
var disableShorthands = [types.NumEndpoints]string{
	types.Frontend: "F",
	types.Demux:    "D",
	types.DVR:      "V",
	types.CA:       "C",
	types.Net:      "N",
}

func (f *deviceFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.IntVarP(&f.source, "source", "s", config.DefaultSource, "Source DVB adapter number")
	fs.IntVarP(&f.adapter, "adapter", "a", 0, "Loop DVB adapter number (target)")
	fs.IntVarP(&f.major, "major", "m", config.DefaultMajor, "Major device number")
	fs.IntVarP(&f.minorBase, "minor-base", "M", 0, "Minor device base number (multiple of 8)")
	fs.IntVarP(&f.owner, "owner", "o", 0, "Device node uid")
	fs.IntVarP(&f.group, "group", "g", 0, "Device node gid")
	fs.StringVarP(&f.perms, "perms", "p", "0666", "Device node permissions (octal)")
	fs.IntVar(&f.maxSessions, "max-sessions", 0, "Maximum open sessions (0 for the default)")
	for _, e := range types.Endpoints {
		fs.BoolVarP(&f.disabled[e], "no-"+e.Node(), disableShorthands[e], false, fmt.Sprintf("Disable the %s device", e.Node()))
	}
}

// settings resolves defaults, the config file and the flags that were set.
func (f *deviceFlags) settings(fs *pflag.FlagSet) (config.Settings, error) {
	s := config.Defaults()
	if f.configPath != "" {
		file, err := config.Load(f.configPath)
		if err != nil {
			return s, err
		}
		if err := file.Apply(&s); err != nil {
			return s, fmt.Errorf("config %s: %w", f.configPath, err)
		}
	}

	ints := []struct {
		name string
		dst  *int
		val  int
	}{
		{"source", &s.Source, f.source},
		{"adapter", &s.Adapter, f.adapter},
		{"major", &s.Major, f.major},
		{"minor-base", &s.MinorBase, f.minorBase},
		{"owner", &s.Owner, f.owner},
		{"group", &s.Group, f.group},
		{"max-sessions", &s.MaxSessions, f.maxSessions},
	}
	for _, i := range ints {
		if fs.Changed(i.name) {
			*i.dst = i.val
		}
	}
	if fs.Changed("perms") {
		p, err := utils.ParsePerms(f.perms)
		if err != nil {
			return s, fmt.Errorf("--perms: %w", err)
		}
		s.Perms = p
	}
	for _, e := range types.Endpoints {
		if f.disabled[e] {
			s.Disabled[e] = true
		}
	}
	return s, nil
}

// ──────────────────────────────────────────────
//  run
// ──────────────────────────────────────────────

func newRunCmd() *cobra.Command {
	var (
		dev       deviceFlags
		cdiDir    string
		cdiPrefix string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the loop adapter until interrupted",
		Long: "Creates the virtual adapter's nodes through CUSE and forwards them to the source adapter. " +
			"SIGINT or SIGTERM shuts down, SIGUSR1 prints the open sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dev.settings(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := s.Build()
			if err != nil {
				return err
			}

			srv, err := dvbcuse.New(cfg)
			if err != nil {
				return fmt.Errorf("cannot start loop adapter: %w", err)
			}
			defer srv.Close()
			log.Infof("adapter%d is looping adapter%d (%d endpoints)", cfg.Adapter, s.Source, len(cfg.EnabledEndpoints()))

			if cdiDir != "" {
				name := fmt.Sprintf("loop%d", cfg.Adapter)
				virt := adapter.Virtual(dvbcuse.DefaultDevRoot, cfg.Adapter, cfg.EnabledEndpoints())
				if err := cdi.CreateCDISpec(cdiPrefix, name, []*types.Adapter{virt}, cdiDir, "yaml"); err != nil {
					log.Warnf("cannot write CDI spec: %v", err)
				} else {
					defer func() {
						if _, err := cdi.CleanupSpecs(cdiDir, cdiPrefix, name, false); err != nil {
							log.Warnf("cannot remove CDI spec: %v", err)
						}
					}()
				}
			}

			return waitForSignal(cmd.Context(), srv, cmd.ErrOrStderr())
		},
	}

	dev.register(cmd.Flags())
	cmd.Flags().StringVar(&cdiDir, "cdi-dir", "", "Write a CDI spec for the loop adapter into this directory while running")
	cmd.Flags().StringVar(&cdiPrefix, "cdi-prefix", cdi.DefaultPrefix, "CDI resource prefix for --cdi-dir")

	return cmd
}

// waitForSignal blocks until SIGINT or SIGTERM, dumping sessions on SIGUSR1.
func waitForSignal(ctx context.Context, srv *dvbcuse.Server, w io.Writer) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1)
	defer signal.Stop(sigs)
	return serveSignals(ctx, sigs, srv.Sessions, w)
}

func serveSignals(ctx context.Context, sigs <-chan os.Signal, sessions func() []session.Info, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			if sig == unix.SIGUSR1 {
				discover.PrintSessions(w, sessions(), time.Now())
				continue
			}
			log.Infof("received %s, shutting down", sig)
			return nil
		}
	}
}

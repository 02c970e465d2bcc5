package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/9000h/dvbloop-cuse/pkg/session"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// ──────────────────────────────────────────────
//  rootCmd structure
// ──────────────────────────────────────────────

func TestRootCmd_HasAllSubcommands(t *testing.T) {
	root := rootCmd()

	expected := map[string]bool{
		"run":      false,
		"discover": false,
		"doctor":   false,
		"cdi":      false,
		"version":  false,
	}

	for _, sub := range root.Commands() {
		if _, ok := expected[sub.Name()]; ok {
			expected[sub.Name()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("missing subcommand: %s", name)
		}
	}
}

func TestCDICmd_HasSubcommands(t *testing.T) {
	cmd := newCDICmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["generate"] || !names["cleanup"] {
		t.Errorf("cdi subcommands = %v, want generate and cleanup", names)
	}
}

// ──────────────────────────────────────────────
//  run command flags
// ──────────────────────────────────────────────

func TestRunCmd_ShortFlags(t *testing.T) {
	cmd := newRunCmd()

	shorthands := map[string]string{
		"source":      "s",
		"adapter":     "a",
		"major":       "m",
		"minor-base":  "M",
		"owner":       "o",
		"group":       "g",
		"perms":       "p",
		"no-frontend": "F",
		"no-demux":    "D",
		"no-dvr":      "V",
		"no-ca":       "C",
		"no-net":      "N",
		"config":      "c",
	}
	for name, short := range shorthands {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			t.Errorf("run command missing flag: --%s", name)
			continue
		}
		if f.Shorthand != short {
			t.Errorf("--%s shorthand = %q, want %q", name, f.Shorthand, short)
		}
	}
}

func TestRunCmd_DefaultValues(t *testing.T) {
	cmd := newRunCmd()

	tests := []struct {
		flag string
		want string
	}{
		{"source", "4"},
		{"adapter", "0"},
		{"major", "256"},
		{"minor-base", "0"},
		{"perms", "0666"},
		{"cdi-dir", ""},
		{"cdi-prefix", "dvb"},
	}

	for _, tc := range tests {
		f := cmd.Flags().Lookup(tc.flag)
		if f.DefValue != tc.want {
			t.Errorf("flag --%s default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}

// parseDeviceFlags parses args into a fresh deviceFlags set.
func parseDeviceFlags(t *testing.T, args ...string) (*deviceFlags, *cobra.Command) {
	t.Helper()
	var f deviceFlags
	cmd := &cobra.Command{Use: "x"}
	f.register(cmd.Flags())
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return &f, cmd
}

func TestDeviceFlags_Settings(t *testing.T) {
	f, cmd := parseDeviceFlags(t, "-s", "2", "-a", "5", "-m", "300", "-M", "8", "-p", "0640", "-C", "-N")
	s, err := f.settings(cmd.Flags())
	if err != nil {
		t.Fatalf("settings() failed: %v", err)
	}
	if s.Source != 2 || s.Adapter != 5 || s.Major != 300 || s.MinorBase != 8 || s.Perms != 0o640 {
		t.Errorf("unexpected settings %+v", s)
	}
	if !s.Disabled[types.CA] || !s.Disabled[types.Net] || s.Disabled[types.DVR] {
		t.Errorf("disabled = %v", s.Disabled)
	}

	cfg, err := s.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if cfg.Paths[types.DVR] != "/dev/dvb/adapter2/dvr0" {
		t.Errorf("dvr source = %q", cfg.Paths[types.DVR])
	}
}

func TestDeviceFlags_FlagsOverrideConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "dvbloopd.yaml")
	os.WriteFile(p, []byte("source: 1\nadapter: 6\nmajor: 400\n"), 0o644)

	f, cmd := parseDeviceFlags(t, "-c", p, "-a", "7")
	s, err := f.settings(cmd.Flags())
	if err != nil {
		t.Fatalf("settings() failed: %v", err)
	}
	if s.Source != 1 || s.Major != 400 {
		t.Errorf("config values lost: %+v", s)
	}
	if s.Adapter != 7 {
		t.Errorf("flag did not override config: adapter = %d", s.Adapter)
	}
}

func TestDeviceFlags_Errors(t *testing.T) {
	f, cmd := parseDeviceFlags(t, "-p", "rw")
	if _, err := f.settings(cmd.Flags()); err == nil {
		t.Error("expected error for non-octal --perms")
	}

	f, cmd = parseDeviceFlags(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := f.settings(cmd.Flags()); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestRunCmd_SameAdapterRejected(t *testing.T) {
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "-s", "3", "-a", "3"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "differ") {
		t.Errorf("expected source/adapter error, got %v", err)
	}
}

// ──────────────────────────────────────────────
//  signal handling
// ──────────────────────────────────────────────

func TestServeSignals(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	sessions := func() []session.Info {
		return []session.Info{{ID: 1, Endpoint: types.DVR, Opened: time.Now()}}
	}

	var buf bytes.Buffer
	sigs <- syscall.SIGUSR1
	sigs <- syscall.SIGTERM

	done := make(chan error, 1)
	go func() { done <- serveSignals(context.Background(), sigs, sessions, &buf) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveSignals() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serveSignals did not return on SIGTERM")
	}
	if !strings.Contains(buf.String(), "dvr") {
		t.Errorf("SIGUSR1 should dump sessions, got %q", buf.String())
	}
}

func TestServeSignals_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := serveSignals(ctx, make(chan os.Signal), nil, &bytes.Buffer{}); err != nil {
		t.Errorf("serveSignals() = %v", err)
	}
}

// ──────────────────────────────────────────────
//  discover / doctor / cdi flags
// ──────────────────────────────────────────────

func TestDiscoverCmd_Flags(t *testing.T) {
	cmd := newDiscoverCmd()

	if f := cmd.Flags().Lookup("adapter"); f == nil || f.DefValue != "-1" {
		t.Errorf("--adapter missing or wrong default")
	}
	if f := cmd.Flags().Lookup("output"); f == nil || f.DefValue != "table" {
		t.Errorf("--output missing or wrong default")
	}
}

func TestDoctorCmd_Flags(t *testing.T) {
	cmd := newDoctorCmd()

	flags := []string{"source", "adapter", "major", "config", "strict", "show-pass", "output"}
	for _, flag := range flags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("doctor command missing flag: --%s", flag)
		}
	}

	for _, name := range []string{"strict", "show-pass"} {
		if f := cmd.Flags().Lookup(name); f.DefValue != "false" {
			t.Errorf("--%s default = %q, want 'false'", name, f.DefValue)
		}
	}
}

func TestCDIGenerateCmd_DefaultValues(t *testing.T) {
	cmd := newCDIGenerateCmd()

	tests := []struct {
		flag string
		want string
	}{
		{"all", "false"},
		{"adapter", "-1"},
		{"prefix", "dvb"},
		{"name", "adapter"},
		{"output-dir", "/etc/cdi"},
		{"format", "yaml"},
	}

	for _, tc := range tests {
		f := cmd.Flags().Lookup(tc.flag)
		if f == nil {
			t.Errorf("generate command missing flag: --%s", tc.flag)
			continue
		}
		if f.DefValue != tc.want {
			t.Errorf("flag --%s default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}

func TestCDIGenerateCmd_AllAndAdapterConflict(t *testing.T) {
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"cdi", "generate", "--all", "--adapter", "0"})
	if err := root.Execute(); err == nil {
		t.Error("expected error when --all and --adapter are both set")
	}
}

func TestCDIGenerateCmd_NeitherSelector(t *testing.T) {
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"cdi", "generate"})
	if err := root.Execute(); err == nil {
		t.Error("expected error when neither --all nor --adapter is set")
	}
}

func TestCDICleanupCmd_DryRun(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "dvbloop-cdi_dvb_loop0.yaml")
	os.WriteFile(spec, []byte("test"), 0o644)

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"cdi", "cleanup", "--output-dir", dir, "--dry-run"})
	if err := root.Execute(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(out.String(), "Would remove") {
		t.Errorf("dry-run output = %q", out.String())
	}
	if _, err := os.Stat(spec); err != nil {
		t.Error("dry-run removed the spec file")
	}
}

// ──────────────────────────────────────────────
//  discoverAdapters
// ──────────────────────────────────────────────

type stubDiscoverer struct {
	all []*types.Adapter
	err error
}

func (s *stubDiscoverer) DiscoverAll() ([]*types.Adapter, error) { return s.all, s.err }

func (s *stubDiscoverer) DiscoverByNumber(n int) (*types.Adapter, error) {
	for _, a := range s.all {
		if a.Number == n {
			return a, nil
		}
	}
	return nil, errors.New("not found")
}

func TestDiscoverAdapters(t *testing.T) {
	d := &stubDiscoverer{all: []*types.Adapter{{Number: 0}, {Number: 3}}}

	got, err := discoverAdapters(d, true, -1)
	if err != nil || len(got) != 2 {
		t.Errorf("all: got %d adapters, err %v", len(got), err)
	}
	got, err = discoverAdapters(d, false, 3)
	if err != nil || len(got) != 1 || got[0].Number != 3 {
		t.Errorf("by number: got %v, err %v", got, err)
	}
	if _, err := discoverAdapters(d, false, 9); err == nil {
		t.Error("expected error for unknown adapter")
	}
}

// ──────────────────────────────────────────────
//  Help output
// ──────────────────────────────────────────────

func TestRootCmd_HelpOutput(t *testing.T) {
	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--help"})
	_ = root.Execute()

	output := buf.String()
	if !strings.Contains(output, "DVB") {
		t.Error("help output should contain tool description")
	}
	for _, sub := range []string{"run", "discover", "doctor", "cdi"} {
		if !strings.Contains(output, sub) {
			t.Errorf("help output should list %q subcommand", sub)
		}
	}
}

// ──────────────────────────────────────────────
//  --log-level flag
// ──────────────────────────────────────────────

func TestRootCmd_LogLevelFlag(t *testing.T) {
	root := rootCmd()
	f := root.PersistentFlags().Lookup("log-level")
	if f == nil {
		t.Fatal("root command missing --log-level flag")
	}
	if f.DefValue != "info" {
		t.Errorf("--log-level default = %q, want 'info'", f.DefValue)
	}
}

func TestRootCmd_LogLevelInvalid(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"--log-level", "bogus", "version"})
	root.SetErr(&bytes.Buffer{})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("expected 'invalid log level' in error, got: %v", err)
	}
}

func TestRootCmd_LogLevelValid(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		root := rootCmd()
		root.SetArgs([]string{"--log-level", level, "--help"})
		root.SetOut(&bytes.Buffer{})
		if err := root.Execute(); err != nil {
			t.Errorf("--log-level %s should be valid, got error: %v", level, err)
		}
	}
}

// ──────────────────────────────────────────────
//  version command
// ──────────────────────────────────────────────

func TestVersionCmd_Output(t *testing.T) {
	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "dvbloopd") {
		t.Errorf("version output should contain 'dvbloopd', got: %q", out)
	}
	if !strings.Contains(out, "commit:") {
		t.Errorf("version output should contain 'commit:', got: %q", out)
	}
}

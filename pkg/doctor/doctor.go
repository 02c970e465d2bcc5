// Package doctor provides DVB loopback environment diagnostics.
// It checks the CUSE transport, kernel modules, the source adapter's nodes,
// collisions on the virtual adapter's nodes, device numbers, and the DVB
// network interfaces of the source adapter.
package doctor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/vishvananda/netlink"

	"github.com/9000h/dvbloop-cuse/pkg/cuse"
	"github.com/9000h/dvbloop-cuse/pkg/dvbcuse"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// requiredKernelModules lists the kernel modules a loop device needs.
var requiredKernelModules = []string{"cuse", "dvb_core"}

var (
	sysModule   = "/sys/module"
	procDevices = "/proc/devices"
	linkList    = netlink.LinkList
)

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// Options describes the loop setup to diagnose.
type Options struct {
	// Source is the real adapter number the loop reads from.
	Source int
	// Config is the virtual adapter configuration. Paths of enabled
	// endpoints are checked as source nodes.
	Config dvbcuse.Config
	// DevRoot is where the virtual adapter's nodes would appear.
	DevRoot string
	// Transport is the CUSE transport to probe.
	Transport cuse.Transport
}

// Diagnose runs every check for a loop setup.
func Diagnose(opts Options) *Report {
	report := &Report{}
	if opts.DevRoot == "" {
		opts.DevRoot = dvbcuse.DefaultDevRoot
	}
	if opts.Transport == nil {
		opts.Transport = &cuse.Kernel{}
	}

	checkTransport(report, opts.Transport)
	checkKernelModules(report)
	checkSourceNodes(report, &opts.Config)
	checkTargetNodes(report, &opts.Config, opts.DevRoot)
	checkDeviceNumbers(report, &opts.Config)
	checkNetInterfaces(report, opts.Source)

	return report
}

// checkTransport probes the CUSE control device.
func checkTransport(report *Report, t cuse.Transport) {
	if err := t.Check(); err != nil {
		report.add(CheckResult{
			Check:    "cuse_transport",
			Severity: Fail,
			Message:  err.Error(),
		})
		return
	}
	report.add(CheckResult{
		Check:    "cuse_transport",
		Severity: Pass,
		Message:  "CUSE control device is usable",
	})
}

// checkKernelModules verifies that the kernel modules are loaded. A module
// built into the kernel without parameters has no sysfs entry, so a missing
// one is only a warning.
func checkKernelModules(report *Report) {
	var missing []string
	for _, mod := range requiredKernelModules {
		if _, err := os.Stat(filepath.Join(sysModule, mod)); os.IsNotExist(err) {
			missing = append(missing, mod)
		}
	}
	if len(missing) > 0 {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Warn,
			Message:  fmt.Sprintf("Kernel modules not loaded (or built in): %s", strings.Join(missing, ", ")),
		})
		return
	}
	report.add(CheckResult{
		Check:    "kernel_modules",
		Severity: Pass,
		Message:  fmt.Sprintf("All required kernel modules loaded: %s", strings.Join(requiredKernelModules, ", ")),
	})
}

// checkSourceNodes verifies every enabled endpoint's source node is a
// character device. A missing frontend, demux or dvr is fatal for a loop.
func checkSourceNodes(report *Report, cfg *dvbcuse.Config) {
	for _, e := range cfg.EnabledEndpoints() {
		path := cfg.Paths[e]
		info, err := os.Stat(path)
		switch {
		case err != nil:
			sev := Warn
			if isRequired(e) {
				sev = Fail
			}
			report.add(CheckResult{
				Check:    "source_nodes",
				Severity: sev,
				Message:  fmt.Sprintf("Source node %s unavailable: %v", path, err),
				Device:   e.String(),
			})
		case info.Mode()&os.ModeCharDevice == 0:
			report.add(CheckResult{
				Check:    "source_nodes",
				Severity: Warn,
				Message:  fmt.Sprintf("Source node %s is not a character device", path),
				Device:   e.String(),
			})
		default:
			report.add(CheckResult{
				Check:    "source_nodes",
				Severity: Pass,
				Message:  fmt.Sprintf("Source node %s present", path),
				Device:   e.String(),
			})
		}
	}
}

func isRequired(e types.Endpoint) bool {
	for _, r := range types.RequiredEndpoints {
		if r == e {
			return true
		}
	}
	return false
}

// checkTargetNodes reports nodes that would collide with the virtual adapter.
func checkTargetNodes(report *Report, cfg *dvbcuse.Config, devRoot string) {
	var taken []string
	for _, e := range cfg.EnabledEndpoints() {
		p := types.NodePath(devRoot, cfg.Adapter, e)
		if _, err := os.Lstat(p); err == nil {
			taken = append(taken, p)
		}
	}
	if len(taken) > 0 {
		report.add(CheckResult{
			Check:    "target_nodes",
			Severity: Fail,
			Message:  fmt.Sprintf("Nodes already exist: %s", strings.Join(taken, ", ")),
			Device:   fmt.Sprintf("adapter%d", cfg.Adapter),
		})
		return
	}
	report.add(CheckResult{
		Check:    "target_nodes",
		Severity: Pass,
		Message:  fmt.Sprintf("No node of adapter%d exists yet", cfg.Adapter),
		Device:   fmt.Sprintf("adapter%d", cfg.Adapter),
	})
}

// checkDeviceNumbers validates the configured numbers and warns when the
// major is already registered by another character driver.
func checkDeviceNumbers(report *Report, cfg *dvbcuse.Config) {
	if err := cfg.Validate(); err != nil {
		report.add(CheckResult{
			Check:    "device_numbers",
			Severity: Fail,
			Message:  err.Error(),
		})
		return
	}
	if cfg.Major == 0 {
		report.add(CheckResult{
			Check:    "device_numbers",
			Severity: Fail,
			Message:  "Major number 0 is not allowed",
		})
		return
	}

	owner, err := charMajorOwner(cfg.Major)
	switch {
	case err != nil:
		report.add(CheckResult{
			Check:    "device_numbers",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot read %s: %v", procDevices, err),
		})
	case owner != "":
		report.add(CheckResult{
			Check:    "device_numbers",
			Severity: Warn,
			Message:  fmt.Sprintf("Major %d is registered by %q; minors %d-%d may collide", cfg.Major, owner, cfg.MinorBase, cfg.MinorBase+types.NumEndpoints-1),
		})
	default:
		report.add(CheckResult{
			Check:    "device_numbers",
			Severity: Pass,
			Message:  fmt.Sprintf("Major %d minors %d-%d", cfg.Major, cfg.MinorBase, cfg.MinorBase+types.NumEndpoints-1),
		})
	}
}

// charMajorOwner returns the driver registered for a character major in
// /proc/devices, or "" if there is none.
func charMajorOwner(major int) (string, error) {
	f, err := os.Open(procDevices)
	if err != nil {
		return "", err
	}
	defer f.Close()

	inChar := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "Character devices:":
			inChar = true
			continue
		case strings.HasSuffix(line, "devices:"):
			inChar = false
			continue
		}
		if !inChar {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil && n == major {
			return fields[1], nil
		}
	}
	return "", sc.Err()
}

// checkNetInterfaces lists the dvb<N>_<M> links of the source adapter.
func checkNetInterfaces(report *Report, source int) {
	links, err := linkList()
	if err != nil {
		report.add(CheckResult{
			Check:    "net_interfaces",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot list network links: %v", err),
			Device:   fmt.Sprintf("adapter%d", source),
		})
		return
	}

	prefix := fmt.Sprintf("dvb%d_", source)
	var names []string
	for _, l := range links {
		attrs := l.Attrs()
		if strings.HasPrefix(attrs.Name, prefix) {
			names = append(names, fmt.Sprintf("%s (%s)", attrs.Name, attrs.OperState))
		}
	}
	msg := "No DVB network interfaces"
	if len(names) > 0 {
		msg = "DVB network interfaces: " + strings.Join(names, ", ")
	}
	report.add(CheckResult{
		Check:    "net_interfaces",
		Severity: Pass,
		Message:  msg,
		Device:   fmt.Sprintf("adapter%d", source),
	})
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		table.Append(fmt.Sprintf("%s %s", marker, r.Severity), r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// ExitNonZero reports whether the report should fail the command.
func (r *Report) ExitNonZero(strict bool) bool {
	return r.HasFail || (strict && r.HasWarn)
}

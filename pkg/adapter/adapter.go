// Package adapter provides DVB adapter discovery helpers.
// It lists the adapters under /dev/dvb, the endpoint nodes each one has, and
// enriches them from sysfs and the frontend's own FE_GET_INFO.
package adapter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/ioctl"
	"github.com/9000h/dvbloop-cuse/pkg/passthrough"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

var (
	devRoot     = "/dev"
	sysClassDVB = "/sys/class/dvb"
)

// Discoverer implements types.AdapterDiscoverer using /dev and sysfs.
type Discoverer struct{}

// NewDiscoverer returns a real DVB adapter discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{}
}

// ───────────────────────────────────────────
//  node and sysfs helpers
// ───────────────────────────────────────────

// ParseAdapterDir returns N for a directory named "adapterN".
func ParseAdapterDir(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "adapter")
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FindNodes returns the endpoint nodes that exist for adapter n.
func FindNodes(n int) map[types.Endpoint]string {
	nodes := make(map[types.Endpoint]string)
	for _, e := range types.Endpoints {
		p := types.NodePath(devRoot, n, e)
		if _, err := os.Stat(p); err == nil {
			nodes[e] = p
		}
	}
	return nodes
}

// VerifyNodes checks that every endpoint a loop source needs is present.
func VerifyNodes(nodes map[types.Endpoint]string) error {
	for _, e := range types.RequiredEndpoints {
		if _, ok := nodes[e]; !ok {
			return fmt.Errorf("required DVB node %q not found", e.Node())
		}
	}
	return nil
}

// GetDriver returns the kernel driver behind adapter n, read from the device
// link of its first sysfs entry.
func GetDriver(n int) (string, error) {
	for _, e := range types.Endpoints {
		link := filepath.Join(sysClassDVB, fmt.Sprintf("dvb%d.%s", n, e.Node()), "device", "driver")
		target, err := os.Readlink(link)
		if err == nil {
			return filepath.Base(target), nil
		}
	}
	return "", fmt.Errorf("no sysfs driver link for adapter %d", n)
}

// FrontendName queries the frontend at path with FE_GET_INFO.
func FrontendName(path string) (string, error) {
	fd, err := passthrough.Open(nil, path, unix.O_RDONLY|unix.O_NONBLOCK)
	if err != nil {
		return "", fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer passthrough.Close(nil, fd)

	arg := &ioctl.Arg{Kind: ioctl.ArgBuffer, Buf: make([]byte, ioctl.SizeFrontendInfo)}
	if err := passthrough.Ioctl(nil, fd, ioctl.FE_GET_INFO, arg); err != nil {
		return "", fmt.Errorf("FE_GET_INFO on %s: %w", path, err)
	}
	return parseInfoName(arg.Buf), nil
}

// parseInfoName extracts the NUL-terminated name[128] of dvb_frontend_info.
func parseInfoName(info []byte) string {
	name := info[:128]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(string(name))
}

// ───────────────────────────────────────────
//  adapter building
// ───────────────────────────────────────────

// buildDeviceSpecs converts node paths to DeviceSpec entries in endpoint order.
func buildDeviceSpecs(nodes map[types.Endpoint]string) []types.DeviceSpec {
	specs := make([]types.DeviceSpec, 0, len(nodes))
	for _, e := range types.Endpoints {
		p, ok := nodes[e]
		if !ok {
			continue
		}
		specs = append(specs, types.DeviceSpec{
			HostPath:      p,
			ContainerPath: p,
			Permissions:   "rw",
		})
	}
	return specs
}

// buildAdapter populates an Adapter with metadata from sysfs and the frontend.
func buildAdapter(n int, nodes map[types.Endpoint]string) *types.Adapter {
	a := &types.Adapter{
		Number:      n,
		Nodes:       nodes,
		DeviceSpecs: buildDeviceSpecs(nodes),
	}

	// Best-effort enrichment; errors are non-fatal.
	if driver, err := GetDriver(n); err == nil {
		a.Driver = driver
	}
	if fe, ok := nodes[types.Frontend]; ok {
		if name, err := FrontendName(fe); err == nil {
			a.Name = name
		}
	}
	return a
}

// ───────────────────────────────────────────
//  Discoverer methods
// ───────────────────────────────────────────

// DiscoverByNumber discovers adapter n and checks it can act as a loop source.
func (d *Discoverer) DiscoverByNumber(n int) (*types.Adapter, error) {
	nodes := FindNodes(n)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no DVB nodes found for adapter %d", n)
	}
	if err := VerifyNodes(nodes); err != nil {
		return nil, fmt.Errorf("DVB adapter %d verification failed: %w", n, err)
	}
	return buildAdapter(n, nodes), nil
}

// DiscoverAll enumerates /dev/dvb and returns every adapter with at least one
// node, ordered by number.
func (d *Discoverer) DiscoverAll() ([]*types.Adapter, error) {
	dir := filepath.Join(devRoot, "dvb")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read DVB directory %s: %w", dir, err)
	}

	var numbers []int
	for _, entry := range entries {
		if n, ok := ParseAdapterDir(entry.Name()); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	var adapters []*types.Adapter
	for _, n := range numbers {
		nodes := FindNodes(n)
		if len(nodes) == 0 {
			continue
		}
		adapters = append(adapters, buildAdapter(n, nodes))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no DVB adapters found on the host")
	}
	return adapters, nil
}

// Virtual describes the nodes a loop server exposes as adapter n. The nodes
// need not exist yet.
func Virtual(devRoot string, n int, endpoints []types.Endpoint) *types.Adapter {
	nodes := make(map[types.Endpoint]string, len(endpoints))
	for _, e := range endpoints {
		nodes[e] = types.NodePath(devRoot, n, e)
	}
	return &types.Adapter{
		Number:      n,
		Name:        "dvbloop",
		Driver:      "cuse",
		Nodes:       nodes,
		DeviceSpecs: buildDeviceSpecs(nodes),
	}
}

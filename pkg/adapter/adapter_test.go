package adapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// fakeTree redirects devRoot and sysClassDVB to a temp dir and creates the
// given nodes for each adapter number.
func fakeTree(t *testing.T, adapters map[int][]types.Endpoint) string {
	t.Helper()
	origDev, origSys := devRoot, sysClassDVB
	t.Cleanup(func() { devRoot, sysClassDVB = origDev, origSys })

	dir := t.TempDir()
	devRoot = filepath.Join(dir, "dev")
	sysClassDVB = filepath.Join(dir, "sys", "class", "dvb")

	for n, eps := range adapters {
		for _, e := range eps {
			p := types.NodePath(devRoot, n, e)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(p, nil, 0o600); err != nil {
				t.Fatal(err)
			}
		}
	}
	return dir
}

// ──────────────────────────────────────────────
//  ParseAdapterDir
// ──────────────────────────────────────────────

func TestParseAdapterDir(t *testing.T) {
	tests := []struct {
		name   string
		want   int
		wantOK bool
	}{
		{"adapter0", 0, true},
		{"adapter17", 17, true},
		{"adapter", 0, false},
		{"adapterX", 0, false},
		{"adapter-1", 0, false},
		{"frontend0", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseAdapterDir(tc.name)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("ParseAdapterDir(%q) = %d, %v", tc.name, got, ok)
			}
		})
	}
}

// ──────────────────────────────────────────────
//  FindNodes / VerifyNodes
// ──────────────────────────────────────────────

func TestFindNodes(t *testing.T) {
	fakeTree(t, map[int][]types.Endpoint{
		2: {types.Frontend, types.Demux, types.DVR, types.Net},
	})

	nodes := FindNodes(2)
	if len(nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d: %v", len(nodes), nodes)
	}
	if _, ok := nodes[types.CA]; ok {
		t.Error("ca0 should not be reported")
	}
	if got := nodes[types.DVR]; got != types.NodePath(devRoot, 2, types.DVR) {
		t.Errorf("dvr path = %q", got)
	}
	if len(FindNodes(3)) != 0 {
		t.Error("adapter3 should have no nodes")
	}
}

func TestVerifyNodes(t *testing.T) {
	tests := []struct {
		name    string
		eps     []types.Endpoint
		wantErr bool
	}{
		{"full", types.Endpoints, false},
		{"required_only", types.RequiredEndpoints, false},
		{"no_dvr", []types.Endpoint{types.Frontend, types.Demux}, true},
		{"empty", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			nodes := make(map[types.Endpoint]string)
			for _, e := range tc.eps {
				nodes[e] = "/dev/dvb/adapter0/" + e.Node() + "0"
			}
			err := VerifyNodes(nodes)
			if tc.wantErr != (err != nil) {
				t.Errorf("VerifyNodes() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ──────────────────────────────────────────────
//  sysfs and frontend enrichment
// ──────────────────────────────────────────────

func TestGetDriver_FakeSysfs(t *testing.T) {
	fakeTree(t, nil)

	dev := filepath.Join(sysClassDVB, "dvb1.demux0", "device")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../../../bus/usb/drivers/dvb_usb_dib0700", filepath.Join(dev, "driver")); err != nil {
		t.Fatal(err)
	}

	got, err := GetDriver(1)
	if err != nil {
		t.Fatalf("GetDriver failed: %v", err)
	}
	if got != "dvb_usb_dib0700" {
		t.Errorf("expected driver 'dvb_usb_dib0700', got %q", got)
	}

	if _, err := GetDriver(0); err == nil {
		t.Error("expected error for adapter without sysfs entry")
	}
}

func TestParseInfoName(t *testing.T) {
	info := make([]byte, 168)
	copy(info, "Silicon Labs Si2168 \x00garbage")
	if got := parseInfoName(info); got != "Silicon Labs Si2168" {
		t.Errorf("parseInfoName() = %q", got)
	}
}

func TestFrontendName_NotAFrontend(t *testing.T) {
	p := filepath.Join(t.TempDir(), "frontend0")
	if err := os.WriteFile(p, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := FrontendName(p); err == nil {
		t.Error("expected FE_GET_INFO to fail on a regular file")
	}
}

// ──────────────────────────────────────────────
//  Discoverer
// ──────────────────────────────────────────────

func TestBuildDeviceSpecs_Order(t *testing.T) {
	nodes := map[types.Endpoint]string{
		types.Net:      "/dev/dvb/adapter0/net0",
		types.Frontend: "/dev/dvb/adapter0/frontend0",
		types.DVR:      "/dev/dvb/adapter0/dvr0",
	}
	specs := buildDeviceSpecs(nodes)
	want := []string{"/dev/dvb/adapter0/frontend0", "/dev/dvb/adapter0/dvr0", "/dev/dvb/adapter0/net0"}
	if len(specs) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(specs))
	}
	for i, s := range specs {
		if s.HostPath != want[i] || s.ContainerPath != want[i] || s.Permissions != "rw" {
			t.Errorf("spec[%d] = %+v", i, s)
		}
	}
}

func TestDiscoverByNumber(t *testing.T) {
	fakeTree(t, map[int][]types.Endpoint{
		0: types.Endpoints,
		1: {types.Frontend, types.Demux},
	})
	d := NewDiscoverer()

	a, err := d.DiscoverByNumber(0)
	if err != nil {
		t.Fatalf("DiscoverByNumber(0) failed: %v", err)
	}
	if a.Number != 0 || len(a.Nodes) != types.NumEndpoints || len(a.DeviceSpecs) != types.NumEndpoints {
		t.Errorf("unexpected adapter %+v", a)
	}
	if a.Name != "" {
		t.Errorf("regular-file frontend should leave Name empty, got %q", a.Name)
	}

	if _, err := d.DiscoverByNumber(1); err == nil {
		t.Error("expected verification error for adapter without dvr0")
	}
	if _, err := d.DiscoverByNumber(9); err == nil {
		t.Error("expected error for missing adapter")
	}
}

func TestDiscoverAll(t *testing.T) {
	dir := fakeTree(t, map[int][]types.Endpoint{
		10: {types.Frontend},
		2:  types.Endpoints,
	})
	// Empty adapter directories and unrelated entries are skipped.
	os.MkdirAll(filepath.Join(dir, "dev", "dvb", "adapter5"), 0o755)
	os.MkdirAll(filepath.Join(dir, "dev", "dvb", "misc"), 0o755)

	adapters, err := NewDiscoverer().DiscoverAll()
	if err != nil {
		t.Fatalf("DiscoverAll failed: %v", err)
	}
	if len(adapters) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(adapters))
	}
	if adapters[0].Number != 2 || adapters[1].Number != 10 {
		t.Errorf("adapters out of order: %d, %d", adapters[0].Number, adapters[1].Number)
	}
}

func TestDiscoverAll_None(t *testing.T) {
	fakeTree(t, nil)
	if _, err := NewDiscoverer().DiscoverAll(); err == nil {
		t.Error("expected error when /dev/dvb is missing")
	}
}

func TestDiscovererImplementsInterface(t *testing.T) {
	var _ types.AdapterDiscoverer = NewDiscoverer()
}

func TestVirtual(t *testing.T) {
	a := Virtual("/dev", 7, []types.Endpoint{types.DVR, types.Frontend})
	if a.Number != 7 || a.Driver != "cuse" {
		t.Errorf("unexpected adapter %+v", a)
	}
	if len(a.DeviceSpecs) != 2 || a.DeviceSpecs[0].HostPath != "/dev/dvb/adapter7/frontend0" {
		t.Errorf("DeviceSpecs = %+v", a.DeviceSpecs)
	}
}

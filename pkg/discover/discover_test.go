package discover

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/session"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

func sampleAdapters() []*types.Adapter {
	return []*types.Adapter{
		{
			Number: 0,
			Name:   "Silicon Labs Si2168",
			Driver: "dvb_usb_dib0700",
			Nodes: map[types.Endpoint]string{
				types.Frontend: "/dev/dvb/adapter0/frontend0",
				types.Demux:    "/dev/dvb/adapter0/demux0",
				types.DVR:      "/dev/dvb/adapter0/dvr0",
				types.Net:      "/dev/dvb/adapter0/net0",
			},
		},
		{
			Number: 4,
			Nodes: map[types.Endpoint]string{
				types.Frontend: "/dev/dvb/adapter4/frontend0",
			},
		},
	}
}

func TestPrintTable_Basic(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, sampleAdapters())
	output := buf.String()

	// Should contain headers
	if !strings.Contains(output, "ADAPTER") {
		t.Error("table should contain ADAPTER header")
	}
	if !strings.Contains(output, "DRIVER") {
		t.Error("table should contain DRIVER header")
	}

	// Should contain adapter data
	if !strings.Contains(output, "adapter0") {
		t.Error("table should contain adapter0")
	}
	if !strings.Contains(output, "frontend0, demux0, dvr0, net0") {
		t.Error("table should list nodes in endpoint order")
	}

	// Adapters with missing info should show placeholders
	if !strings.Contains(output, "(unknown)") {
		t.Error("table should show (unknown) for missing name/driver")
	}
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, nil)

	// Should still render headers
	if !strings.Contains(buf.String(), "ADAPTER") {
		t.Error("empty table should still render headers")
	}
}

func TestPrintJSON_Basic(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, sampleAdapters()); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var result []AdapterJSON
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(result))
	}
	if result[0].Driver != "dvb_usb_dib0700" {
		t.Errorf("first adapter Driver = %q, want dvb_usb_dib0700", result[0].Driver)
	}
	if len(result[0].Nodes) != 4 || result[0].Nodes[0] != "/dev/dvb/adapter0/frontend0" {
		t.Errorf("first adapter Nodes = %v", result[0].Nodes)
	}
	if result[1].Number != 4 {
		t.Errorf("second adapter Number = %d, want 4", result[1].Number)
	}
}

func TestPrintJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, nil); err != nil {
		t.Fatalf("PrintJSON with nil failed: %v", err)
	}

	var result []AdapterJSON
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected 0 adapters, got %d", len(result))
	}
}

func TestPrintSessions(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := []session.Info{
		{ID: 1, Endpoint: types.Frontend, Flags: unix.O_RDONLY, Handle: 7, Opened: now.Add(-90 * time.Second)},
		{ID: 3, Endpoint: types.DVR, Flags: unix.O_RDWR, Handle: 9, Opened: now},
	}

	var buf bytes.Buffer
	PrintSessions(&buf, sessions, now)
	output := buf.String()

	for _, want := range []string{"ENDPOINT", "frontend", "dvr", "1m30s", "rw"} {
		if !strings.Contains(output, want) {
			t.Errorf("session table should contain %q:\n%s", want, output)
		}
	}
}

func TestAccessMode(t *testing.T) {
	tests := []struct {
		flags int
		want  string
	}{
		{unix.O_RDONLY, "r"},
		{unix.O_WRONLY | unix.O_NONBLOCK, "w"},
		{unix.O_RDWR, "rw"},
	}
	for _, tc := range tests {
		if got := accessMode(tc.flags); got != tc.want {
			t.Errorf("accessMode(%#x) = %q, want %q", tc.flags, got, tc.want)
		}
	}
}

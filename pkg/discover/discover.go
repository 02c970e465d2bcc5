// Package discover provides output formatting for the discover subcommand
// and for the session dump of a running server.
package discover

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/session"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// PrintTable renders discovered DVB adapters as a human-readable table.
func PrintTable(w io.Writer, adapters []*types.Adapter) {
	table := tablewriter.NewTable(w)
	table.Header("ADAPTER", "NAME", "DRIVER", "NODES")
	for _, a := range adapters {
		name := a.Name
		if name == "" {
			name = "(unknown)"
		}
		driver := a.Driver
		if driver == "" {
			driver = "(unknown)"
		}
		table.Append(fmt.Sprintf("adapter%d", a.Number), name, driver, strings.Join(nodeNames(a), ", "))
	}
	table.Render()
}

func nodeNames(a *types.Adapter) []string {
	var out []string
	for _, e := range types.Endpoints {
		if _, ok := a.Nodes[e]; ok {
			out = append(out, e.Node()+"0")
		}
	}
	return out
}

// AdapterJSON is the JSON representation of a discovered DVB adapter.
type AdapterJSON struct {
	Number int      `json:"adapter"`
	Name   string   `json:"name,omitempty"`
	Driver string   `json:"driver,omitempty"`
	Nodes  []string `json:"nodes"`
}

// PrintJSON renders discovered DVB adapters as JSON.
func PrintJSON(w io.Writer, adapters []*types.Adapter) error {
	out := make([]AdapterJSON, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, AdapterJSON{
			Number: a.Number,
			Name:   a.Name,
			Driver: a.Driver,
			Nodes:  a.NodeList(),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// PrintSessions renders the open sessions of a server as a table.
func PrintSessions(w io.Writer, sessions []session.Info, now time.Time) {
	table := tablewriter.NewTable(w)
	table.Header("ID", "ENDPOINT", "MODE", "HANDLE", "AGE")
	for _, s := range sessions {
		table.Append(
			fmt.Sprint(s.ID),
			s.Endpoint.String(),
			accessMode(s.Flags),
			fmt.Sprint(s.Handle),
			now.Sub(s.Opened).Truncate(time.Second).String(),
		)
	}
	table.Render()
}

func accessMode(flags int) string {
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		return "r"
	case unix.O_WRONLY:
		return "w"
	default:
		return "rw"
	}
}

// Package types defines shared data types for the dvbloop tool.
// These types describe the five DVB endpoint kinds and the adapters found
// on the host, and are shared by the server, the diagnostics and the CDI
// generator.
package types

import (
	"fmt"
	"path/filepath"
)

// Endpoint is one of the five virtualized device roles of a DVB adapter.
type Endpoint int

const (
	// Frontend is the tuner frontend (frontend0).
	Frontend Endpoint = iota
	// Demux is the stream demultiplexer (demux0).
	Demux
	// DVR is the raw transport stream capture node (dvr0).
	DVR
	// CA is the conditional-access module (ca0).
	CA
	// Net is the network-interface control node (net0).
	Net
)

// Endpoints lists every endpoint in start order.
var Endpoints = []Endpoint{Frontend, Demux, DVR, CA, Net}

// NumEndpoints is the number of endpoints per adapter; each takes one minor.
const NumEndpoints = 5

var endpointNodes = [...]string{"frontend0", "demux0", "dvr0", "ca0", "net0"}

var endpointNames = [...]string{"frontend", "demux", "dvr", "ca", "net"}

// String returns the short endpoint name (e.g. "frontend").
func (e Endpoint) String() string {
	if e < 0 || int(e) >= len(endpointNames) {
		return fmt.Sprintf("endpoint(%d)", int(e))
	}
	return endpointNames[e]
}

// Node returns the device node name of the endpoint (e.g. "frontend0").
func (e Endpoint) Node() string {
	if e < 0 || int(e) >= len(endpointNodes) {
		return ""
	}
	return endpointNodes[e]
}

// MinorOffset is the offset of this endpoint's minor from the adapter's minor base.
func (e Endpoint) MinorOffset() int {
	return int(e)
}

// ParseEndpoint maps a short endpoint name back to its Endpoint.
func ParseEndpoint(name string) (Endpoint, error) {
	for i, n := range endpointNames {
		if n == name {
			return Endpoint(i), nil
		}
	}
	return 0, fmt.Errorf("unknown endpoint %q", name)
}

// MarshalText encodes the endpoint by its short name.
func (e Endpoint) MarshalText() ([]byte, error) {
	if e < 0 || int(e) >= len(endpointNames) {
		return nil, fmt.Errorf("unknown endpoint %d", int(e))
	}
	return []byte(endpointNames[e]), nil
}

// UnmarshalText decodes a short endpoint name.
func (e *Endpoint) UnmarshalText(b []byte) error {
	v, err := ParseEndpoint(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// DevName returns the device name relative to /dev (e.g. "dvb/adapter1/demux0").
func DevName(adapter int, e Endpoint) string {
	return fmt.Sprintf("dvb/adapter%d/%s", adapter, e.Node())
}

// NodePath returns the absolute node path of an endpoint below devRoot
// (e.g. "/dev/dvb/adapter1/demux0").
func NodePath(devRoot string, adapter int, e Endpoint) string {
	return filepath.Join(devRoot, DevName(adapter, e))
}

// DeviceSpec describes a host device to expose inside a container.
type DeviceSpec struct {
	// HostPath is the path of the device on the host (e.g. /dev/dvb/adapter1/frontend0).
	HostPath string
	// ContainerPath is the path of the device inside the container.
	ContainerPath string
	// Permissions is the cgroup permissions for the device (e.g. "rw", "rwm").
	Permissions string
}

// Adapter represents a DVB adapter and the endpoint nodes present for it.
type Adapter struct {
	// Number is the adapter number (N in /dev/dvb/adapterN).
	Number int
	// Name is the frontend's self-reported name, if it could be queried.
	Name string
	// Driver is the kernel driver behind the adapter, if known.
	Driver string
	// Nodes maps each present endpoint to its device node path.
	Nodes map[Endpoint]string
	// DeviceSpecs is the list of DeviceSpec entries derived from Nodes.
	DeviceSpecs []DeviceSpec
}

// NodeList returns the adapter's node paths in endpoint order.
func (a *Adapter) NodeList() []string {
	out := make([]string, 0, len(a.Nodes))
	for _, e := range Endpoints {
		if p, ok := a.Nodes[e]; ok {
			out = append(out, p)
		}
	}
	return out
}

// RequiredEndpoints lists the endpoints an adapter needs to be usable as a
// loop source.
var RequiredEndpoints = []Endpoint{Frontend, Demux, DVR}

// AdapterDiscoverer abstracts DVB adapter discovery for testability.
type AdapterDiscoverer interface {
	// DiscoverByNumber discovers a single adapter by its number.
	DiscoverByNumber(n int) (*Adapter, error)
	// DiscoverAll discovers all DVB adapters on the host.
	DiscoverAll() ([]*Adapter, error)
}

package ioctl

import (
	"fmt"

	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// Shape is the argument-passing pattern of a command.
type Shape int

const (
	// ShapeNone takes no argument; the backend sees a nil buffer.
	ShapeNone Shape = iota
	// ShapeValue passes the caller's raw argument through by value.
	ShapeValue
	// ShapeIn passes a fixed-size structure from the caller.
	ShapeIn
	// ShapeOut returns a fixed-size structure to the caller.
	ShapeOut
	// ShapeInOut passes a fixed-size structure in and returns it.
	ShapeInOut
	// ShapePropSet passes a counted descriptor and the array it points to.
	ShapePropSet
	// ShapePropGet passes a counted descriptor, then fills and returns the
	// array it points to.
	ShapePropGet
)

var shapeNames = [...]string{"none", "value", "in", "out", "inout", "propset", "propget"}

func (s Shape) String() string {
	if s < 0 || int(s) >= len(shapeNames) {
		return fmt.Sprintf("shape(%d)", int(s))
	}
	return shapeNames[s]
}

// Command is one entry of the marshaling table.
type Command struct {
	Name  string
	Code  uint32
	Shape Shape
	// Size is the fixed structure size, or the descriptor size for the
	// property shapes.
	Size uint32
	// ElemSize and MaxCount bound the array of the property shapes.
	ElemSize uint32
	MaxCount uint32
}

// Table maps command codes to their marshaling entry for one endpoint.
type Table map[uint32]Command

func fixed(name string, code uint32, shape Shape, size uint32) Command {
	return Command{Name: name, Code: code, Shape: shape, Size: size}
}

func property(name string, code uint32, shape Shape) Command {
	return Command{
		Name:     name,
		Code:     code,
		Shape:    shape,
		Size:     SizeDtvProperties,
		ElemSize: SizeDtvProperty,
		MaxCount: MaxProperties,
	}
}

func newTable(cmds ...Command) Table {
	t := make(Table, len(cmds))
	for _, c := range cmds {
		t[c.Code] = c
	}
	return t
}

// FrontendTable covers the tuner frontend.
var FrontendTable = newTable(
	fixed("FE_GET_INFO", FE_GET_INFO, ShapeOut, SizeFrontendInfo),
	fixed("FE_DISEQC_RESET_OVERLOAD", FE_DISEQC_RESET_OVERLOAD, ShapeNone, 0),
	fixed("FE_DISEQC_SEND_MASTER_CMD", FE_DISEQC_SEND_MASTER_CMD, ShapeIn, SizeDiseqcMasterCmd),
	fixed("FE_DISEQC_RECV_SLAVE_REPLY", FE_DISEQC_RECV_SLAVE_REPLY, ShapeOut, SizeDiseqcSlaveReply),
	fixed("FE_DISEQC_SEND_BURST", FE_DISEQC_SEND_BURST, ShapeValue, 0),
	fixed("FE_SET_TONE", FE_SET_TONE, ShapeValue, 0),
	fixed("FE_SET_VOLTAGE", FE_SET_VOLTAGE, ShapeValue, 0),
	fixed("FE_ENABLE_HIGH_LNB_VOLTAGE", FE_ENABLE_HIGH_LNB_VOLTAGE, ShapeValue, 0),
	fixed("FE_READ_STATUS", FE_READ_STATUS, ShapeOut, 4),
	fixed("FE_READ_BER", FE_READ_BER, ShapeOut, 4),
	fixed("FE_READ_SIGNAL_STRENGTH", FE_READ_SIGNAL_STRENGTH, ShapeOut, 2),
	fixed("FE_READ_SNR", FE_READ_SNR, ShapeOut, 2),
	fixed("FE_READ_UNCORRECTED_BLOCKS", FE_READ_UNCORRECTED_BLOCKS, ShapeOut, 4),
	fixed("FE_SET_FRONTEND", FE_SET_FRONTEND, ShapeIn, SizeFrontendParameters),
	fixed("FE_GET_FRONTEND", FE_GET_FRONTEND, ShapeOut, SizeFrontendParameters),
	fixed("FE_GET_EVENT", FE_GET_EVENT, ShapeOut, SizeFrontendEvent),
	fixed("FE_DISHNETWORK_SEND_LEGACY_CMD", FE_DISHNETWORK_SEND_LEGACY_CMD, ShapeValue, 0),
	fixed("FE_SET_FRONTEND_TUNE_MODE", FE_SET_FRONTEND_TUNE_MODE, ShapeValue, 0),
	property("FE_SET_PROPERTY", FE_SET_PROPERTY, ShapePropSet),
	property("FE_GET_PROPERTY", FE_GET_PROPERTY, ShapePropGet),
)

// DemuxTable covers the demultiplexer.
var DemuxTable = newTable(
	fixed("DMX_START", DMX_START, ShapeNone, 0),
	fixed("DMX_STOP", DMX_STOP, ShapeNone, 0),
	fixed("DMX_SET_FILTER", DMX_SET_FILTER, ShapeIn, SizeSctFilterParams),
	fixed("DMX_SET_PES_FILTER", DMX_SET_PES_FILTER, ShapeIn, SizePesFilterParams),
	fixed("DMX_SET_BUFFER_SIZE", DMX_SET_BUFFER_SIZE, ShapeValue, 0),
	fixed("DMX_GET_PES_PIDS", DMX_GET_PES_PIDS, ShapeOut, SizePesPids),
	fixed("DMX_GET_STC", DMX_GET_STC, ShapeInOut, SizeDmxStc),
	fixed("DMX_ADD_PID", DMX_ADD_PID, ShapeIn, SizePid),
	fixed("DMX_REMOVE_PID", DMX_REMOVE_PID, ShapeIn, SizePid),
)

// DVRTable covers the raw stream capture node.
var DVRTable = newTable(
	fixed("DMX_SET_BUFFER_SIZE", DMX_SET_BUFFER_SIZE, ShapeValue, 0),
)

// CATable covers the conditional-access node.
var CATable = newTable(
	fixed("CA_RESET", CA_RESET, ShapeNone, 0),
	fixed("CA_GET_CAP", CA_GET_CAP, ShapeOut, SizeCaCaps),
	fixed("CA_GET_SLOT_INFO", CA_GET_SLOT_INFO, ShapeOut, SizeCaSlotInfo),
	fixed("CA_GET_DESCR_INFO", CA_GET_DESCR_INFO, ShapeOut, SizeCaDescrInfo),
	fixed("CA_GET_MSG", CA_GET_MSG, ShapeOut, SizeCaMsg),
	fixed("CA_SEND_MSG", CA_SEND_MSG, ShapeIn, SizeCaMsg),
	fixed("CA_SET_DESCR", CA_SET_DESCR, ShapeIn, SizeCaDescr),
	fixed("CA_SET_PID", CA_SET_PID, ShapeIn, SizeCaPid),
)

// NetTable covers the network-interface control node.
var NetTable = newTable(
	fixed("NET_ADD_IF", NET_ADD_IF, ShapeInOut, SizeNetIf),
	fixed("NET_REMOVE_IF", NET_REMOVE_IF, ShapeValue, 0),
	fixed("NET_GET_IF", NET_GET_IF, ShapeInOut, SizeNetIf),
)

// TableFor returns the command table of an endpoint.
func TableFor(e types.Endpoint) Table {
	switch e {
	case types.Frontend:
		return FrontendTable
	case types.Demux:
		return DemuxTable
	case types.DVR:
		return DVRTable
	case types.CA:
		return CATable
	case types.Net:
		return NetTable
	}
	return nil
}

// Name returns the symbolic name of a known DVB command, or its hex code.
func Name(cmd uint32) string {
	for _, t := range []Table{FrontendTable, DemuxTable, CATable, NetTable} {
		if c, ok := t[cmd]; ok {
			return c.Name
		}
	}
	return fmt.Sprintf("0x%08x", cmd)
}

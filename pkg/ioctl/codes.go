// Package ioctl marshals DVB control-plane ioctls between a CUSE request and
// a backend. It knows every supported command's direction and argument
// layout and runs the buffer negotiation the kernel needs because, for
// unrestricted ioctls, it only hands over the caller's raw argument.
package ioctl

import "unsafe"

/*
See also:
-  /usr/include/asm-generic/ioctl.h
-  /usr/include/linux/dvb/{frontend,dmx,ca,net}.h
*/

const (
	iocNrbits   = 8
	iocTypebits = 8
	iocSizebits = 14
	iocDirbits  = 2

	iocNrshift   = 0
	iocTypeshift = iocNrshift + iocNrbits
	iocSizeshift = iocTypeshift + iocTypebits
	iocDirshift  = iocSizeshift + iocSizebits
)

// Direction classes of an ioctl code, from the caller's point of view.
const (
	DirNone  = 0
	DirWrite = 1
	DirRead  = 2
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirshift | typ<<iocTypeshift | nr<<iocNrshift | size<<iocSizeshift
}

// IO defines an ioctl with no parameters (_IO).
func IO(typ, nr uint32) uint32 { return ioc(DirNone, typ, nr, 0) }

// IOR defines an ioctl that returns data to the caller (_IOR).
func IOR(typ, nr, size uint32) uint32 { return ioc(DirRead, typ, nr, size) }

// IOW defines an ioctl that passes data from the caller (_IOW).
func IOW(typ, nr, size uint32) uint32 { return ioc(DirWrite, typ, nr, size) }

// IOWR defines an ioctl that passes data both ways (_IOWR).
func IOWR(typ, nr, size uint32) uint32 { return ioc(DirRead|DirWrite, typ, nr, size) }

// Dir returns the direction class encoded in cmd (_IOC_DIR).
func Dir(cmd uint32) uint32 { return (cmd >> iocDirshift) & (1<<iocDirbits - 1) }

// Size returns the argument size encoded in cmd (_IOC_SIZE).
func Size(cmd uint32) uint32 { return (cmd >> iocSizeshift) & (1<<iocSizebits - 1) }

// Nr returns the function number encoded in cmd (_IOC_NR).
func Nr(cmd uint32) uint32 { return (cmd >> iocNrshift) & (1<<iocNrbits - 1) }

// Type returns the driver type character encoded in cmd (_IOC_TYPE).
func Type(cmd uint32) uint32 { return (cmd >> iocTypeshift) & (1<<iocTypebits - 1) }

// dvbType is the ioctl type character shared by every DVB device.
const dvbType = 'o'

const ptrSize = uint32(unsafe.Sizeof(uintptr(0)))

// ABI structure sizes.
const (
	// struct dvb_frontend_info: name[128] + ten 32-bit fields.
	SizeFrontendInfo = 128 + 10*4
	// struct dvb_diseqc_master_cmd: msg[6], msg_len.
	SizeDiseqcMasterCmd = 7
	// struct dvb_diseqc_slave_reply: msg[4], msg_len, int timeout.
	SizeDiseqcSlaveReply = 12
	// struct dvb_frontend_parameters: frequency, inversion, largest union member (ofdm, 7 words).
	SizeFrontendParameters = 4 + 4 + 7*4
	// struct dvb_frontend_event: status + parameters.
	SizeFrontendEvent = 4 + SizeFrontendParameters
	// struct dtv_property (packed): cmd, reserved[3], union u, int result.
	SizeDtvProperty = 4 + 3*4 + dtvPropertyUnion + 4
	// DTV_IOCTL_MAX_MSGS.
	MaxProperties = 64

	// struct dmx_sct_filter_params: pid, dmx_filter (3 x 16), timeout, flags.
	SizeSctFilterParams = 2 + 3*16 + 2 + 4 + 4
	// struct dmx_pes_filter_params: pid, input, output, pes_type, flags.
	SizePesFilterParams = 2 + 2 + 4*4
	// struct dmx_stc: num, base, u64 stc.
	SizeDmxStc = 4 + 4 + 8
	// __u16[5] for DMX_GET_PES_PIDS.
	SizePesPids = 5 * 2
	// __u16 PID for DMX_ADD_PID/DMX_REMOVE_PID.
	SizePid = 2

	// ca_caps_t: slot_num, slot_type, descr_num, descr_type.
	SizeCaCaps = 4 * 4
	// ca_slot_info_t: num, type, flags.
	SizeCaSlotInfo = 3 * 4
	// ca_descr_info_t: num, type.
	SizeCaDescrInfo = 2 * 4
	// ca_msg_t: index, type, length, msg[256].
	SizeCaMsg = 3*4 + 256
	// ca_descr_t: index, parity, cw[8].
	SizeCaDescr = 2*4 + 8
	// ca_pid_t: pid, index.
	SizeCaPid = 2 * 4

	// struct dvb_net_if: pid, if_num, feedtype.
	SizeNetIf = 2 + 2 + 1 + 1
)

// dtvPropertyUnion is the packed union in struct dtv_property; its largest
// member is the buffer variant: data[32], len, reserved1[3], void *reserved2.
const dtvPropertyUnion = 32 + 4 + 3*4 + ptrSize

// SizeDtvProperties is sizeof(struct dtv_properties): num plus a pointer,
// padded to pointer alignment.
const SizeDtvProperties = 2 * ptrSize

// Frontend commands.
var (
	FE_GET_INFO                    = IOR(dvbType, 61, SizeFrontendInfo)
	FE_DISEQC_RESET_OVERLOAD       = IO(dvbType, 62)
	FE_DISEQC_SEND_MASTER_CMD      = IOW(dvbType, 63, SizeDiseqcMasterCmd)
	FE_DISEQC_RECV_SLAVE_REPLY     = IOR(dvbType, 64, SizeDiseqcSlaveReply)
	FE_DISEQC_SEND_BURST           = IO(dvbType, 65)
	FE_SET_TONE                    = IO(dvbType, 66)
	FE_SET_VOLTAGE                 = IO(dvbType, 67)
	FE_ENABLE_HIGH_LNB_VOLTAGE     = IO(dvbType, 68)
	FE_READ_STATUS                 = IOR(dvbType, 69, 4)
	FE_READ_BER                    = IOR(dvbType, 70, 4)
	FE_READ_SIGNAL_STRENGTH        = IOR(dvbType, 71, 2)
	FE_READ_SNR                    = IOR(dvbType, 72, 2)
	FE_READ_UNCORRECTED_BLOCKS     = IOR(dvbType, 73, 4)
	FE_SET_FRONTEND                = IOW(dvbType, 76, SizeFrontendParameters)
	FE_GET_FRONTEND                = IOR(dvbType, 77, SizeFrontendParameters)
	FE_GET_EVENT                   = IOR(dvbType, 78, SizeFrontendEvent)
	FE_DISHNETWORK_SEND_LEGACY_CMD = IO(dvbType, 80)
	FE_SET_FRONTEND_TUNE_MODE      = IO(dvbType, 81)
	FE_SET_PROPERTY                = IOW(dvbType, 82, SizeDtvProperties)
	FE_GET_PROPERTY                = IOR(dvbType, 83, SizeDtvProperties)
)

// Demux and DVR commands.
var (
	DMX_START           = IO(dvbType, 41)
	DMX_STOP            = IO(dvbType, 42)
	DMX_SET_FILTER      = IOW(dvbType, 43, SizeSctFilterParams)
	DMX_SET_PES_FILTER  = IOW(dvbType, 44, SizePesFilterParams)
	DMX_SET_BUFFER_SIZE = IO(dvbType, 45)
	DMX_GET_PES_PIDS    = IOR(dvbType, 47, SizePesPids)
	DMX_GET_STC         = IOWR(dvbType, 50, SizeDmxStc)
	DMX_ADD_PID         = IOW(dvbType, 51, SizePid)
	DMX_REMOVE_PID      = IOW(dvbType, 52, SizePid)
)

// Conditional-access commands. CA_SET_PID left the kernel headers in 4.14
// but clients still issue it.
var (
	CA_RESET          = IO(dvbType, 128)
	CA_GET_CAP        = IOR(dvbType, 129, SizeCaCaps)
	CA_GET_SLOT_INFO  = IOR(dvbType, 130, SizeCaSlotInfo)
	CA_GET_DESCR_INFO = IOR(dvbType, 131, SizeCaDescrInfo)
	CA_GET_MSG        = IOR(dvbType, 132, SizeCaMsg)
	CA_SEND_MSG       = IOW(dvbType, 133, SizeCaMsg)
	CA_SET_DESCR      = IOW(dvbType, 134, SizeCaDescr)
	CA_SET_PID        = IOW(dvbType, 135, SizeCaPid)
)

// Network commands.
var (
	NET_ADD_IF    = IOWR(dvbType, 52, SizeNetIf)
	NET_REMOVE_IF = IO(dvbType, 53)
	NET_GET_IF    = IOWR(dvbType, 54, SizeNetIf)
)

// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"bytes"
	"encoding/binary"
	"strings"

	log "github.com/hpe-storage/scsi-pr-engine/logger"
)

// Transport protocol identifiers carried in the low 4 bits of a
// TransportID's first byte (SPC-4 table 262). Only iSCSI needs special
// handling here; every other protocol uses a fixed 24-byte common form.
const (
	protocolIDISCSI = 0x05
)

// TIDCommonSize is the fixed size, in bytes, of every non-iSCSI
// TransportID.
const TIDCommonSize = 24

// iSCSI TransportID format codes, carried in the top 2 bits of byte 0.
const (
	iscsiFormatNameOnly  = 0x00 // "iSCSI name"
	iscsiFormatNameISID  = 0x40 // "iSCSI name,i,0x<ISID>" (session form)
)

func protocolID(tid []byte) uint8 {
	return tid[0] & 0x0f
}

func isISCSI(tid []byte) bool {
	return protocolID(tid) == protocolIDISCSI
}

// protocolName maps a TransportID's protocol id to the string
// ExternalHooks.EnumerateLocalTargetPorts expects, so all_tg_pt
// expansion only considers target ports of the requester's own
// transport protocol.
func protocolName(tid []byte) string {
	if isISCSI(tid) {
		return "iscsi"
	}
	return "other"
}

// TransportIDSize returns the size, in bytes, of tid as encoded on the
// wire: for iSCSI, 4 plus the big-endian 16-bit length at bytes [2:4];
// for every other protocol, the fixed common size.
func TransportIDSize(tid []byte) uint32 {
	if isISCSI(tid) {
		return uint32(binary.BigEndian.Uint16(tid[2:4])) + 4
	}
	return TIDCommonSize
}

// SecureTransportID null-terminates an iSCSI TransportID's ASCII name at
// its declared length so that later strnlen-style scanning can never run
// past the buffer. bufSize is the size of the buffer tid lives in (which
// may be larger than TransportIDSize(tid) when tid is embedded in a
// larger parameter list). Returns false if the declared size would run
// past bufSize. Non-iSCSI TransportIDs need no securing and always
// succeed.
func SecureTransportID(tid []byte, bufSize int) bool {
	if !isISCSI(tid) {
		return true
	}
	size := TransportIDSize(tid)
	if int(size) > bufSize {
		return false
	}
	tid[size-1] = 0
	return true
}

// TransportIDEqual reports whether a and b identify the same initiator
// port. Returns false (never panics) if either is nil/empty or the two
// protocols differ. iSCSI names compare case-insensitively; comparison
// across a name-only TransportID and a "name,i,0x..." session-form
// TransportID compares only the name portion of the session form, up to
// its first comma.
func TransportIDEqual(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if protocolID(a) != protocolID(b) {
		return false
	}
	if !isISCSI(a) {
		if len(a) < TIDCommonSize || len(b) < TIDCommonSize {
			return false
		}
		return bytes.Equal(a[:TIDCommonSize], b[:TIDCommonSize])
	}

	fmtA := a[0] & 0xc0
	fmtB := b[0] & 0xc0
	maxA := int(TransportIDSize(a)) - 4
	maxB := int(TransportIDSize(b)) - 4
	nameA := a[4:]
	nameB := b[4:]

	lenA, ok := iscsiNameLen(nameA, maxA, fmtA, fmtA != fmtB)
	if !ok {
		log.Warnln("TransportIDEqual: invalid initiator port transport id")
		return false
	}
	lenB, ok := iscsiNameLen(nameB, maxB, fmtB, fmtA != fmtB)
	if !ok {
		log.Warnln("TransportIDEqual: invalid initiator port transport id")
		return false
	}
	if lenA != lenB {
		return false
	}
	return strings.EqualFold(string(nameA[:lenA]), string(nameB[:lenB]))
}

// iscsiNameLen computes the effective comparison length of an iSCSI name
// field given its declared format and the maximum bytes available.
// mixedFormats is true when the two sides of the comparison use
// different formats, in which case a session-form ("name,i,0x...") name
// is truncated at its first comma rather than compared whole.
func iscsiNameLen(name []byte, max int, format uint8, mixedFormats bool) (int, bool) {
	switch format {
	case iscsiFormatNameOnly:
		return strnlen(name, max), true
	case iscsiFormatNameISID:
		if mixedFormats {
			idx := bytes.IndexByte(name[:max], ',')
			if idx < 0 {
				return 0, false
			}
			return idx, true
		}
		return strnlen(name, max), true
	default:
		return 0, false
	}
}

func strnlen(b []byte, max int) int {
	if max > len(b) {
		max = len(b)
	}
	if idx := bytes.IndexByte(b[:max], 0); idx >= 0 {
		return idx
	}
	return max
}

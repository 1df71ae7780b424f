// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"encoding/binary"

	log "github.com/hpe-storage/scsi-pr-engine/logger"
)

// readKeysLocked implements PERSISTENT RESERVE IN / READ KEYS. Must be
// called with dev.PRMu held for read.
func (dev *Device) readKeysLocked(buffer []byte) (int, *Error) {
	if len(buffer) < 8 {
		return 0, nil
	}
	binary.BigEndian.PutUint32(buffer[0:4], dev.Generation)

	offset := 8
	size := 0
	sizeMax := len(buffer) - 8
	for _, reg := range dev.Registrants {
		if sizeMax-size >= 8 {
			if reg.Key == 0 {
				log.Warnf("ReadKeys: registrant rel_tgt_id=%d on %s has a zero key", reg.RelTgtID, dev.Name)
			}
			binary.BigEndian.PutUint64(buffer[offset:offset+8], reg.Key)
			offset += 8
		}
		size += 8
	}
	binary.BigEndian.PutUint32(buffer[4:8], uint32(size))
	return offset, nil
}

// readReservationLocked implements PERSISTENT RESERVE IN / READ
// RESERVATION. Must be called with dev.PRMu held for read.
func (dev *Device) readReservationLocked(buffer []byte) (int, *Error) {
	if len(buffer) < 8 {
		return 0, nil
	}
	var b [24]byte
	binary.BigEndian.PutUint32(b[0:4], dev.Generation)

	size := 8
	if dev.IsSet {
		binary.BigEndian.PutUint32(b[4:8], 0x10)
		var key uint64
		if dev.Holder != nil {
			key = dev.Holder.Key
		}
		binary.BigEndian.PutUint64(b[8:16], key)
		b[21] = byte(dev.Scope)<<4 | byte(dev.Type)
		size = 24
	}
	if size > len(buffer) {
		size = len(buffer)
	}
	copy(buffer, b[:size])
	return size, nil
}

// Bitmap of PERSISTENT RESERVE types this engine supports (SPC-4 table
// 164): WRITE_EXCLUSIVE, EXCLUSIVE_ACCESS, WE_REGONLY, EA_REGONLY,
// WE_ALL_REG, EA_ALL_REG.
const (
	reportCapsPRTypeMaskHigh = 0xEA
	reportCapsPRTypeMaskLow  = 0x01
)

// reportCapabilitiesLocked implements PERSISTENT RESERVE IN / REPORT
// CAPABILITIES. Must be called with dev.PRMu held for read.
func (dev *Device) reportCapabilitiesLocked(buffer []byte) (int, *Error) {
	if len(buffer) < 8 {
		return 0, nil
	}
	binary.BigEndian.PutUint16(buffer[0:2], 8)
	// CRH=1, SIP_C=1, ATP_C=1, PTPL_C=1.
	buffer[2] = 1<<4 | 1<<3 | 1<<2 | 1
	var aptplBit byte
	if dev.APTPL {
		aptplBit = 1
	}
	buffer[3] = 0x80 | 0x40 | aptplBit
	buffer[4] = reportCapsPRTypeMaskHigh
	buffer[5] = reportCapsPRTypeMaskLow
	buffer[6] = 0
	buffer[7] = 0
	return 8, nil
}

// readFullStatusLocked implements PERSISTENT RESERVE IN / READ FULL
// STATUS. Must be called with dev.PRMu held for read.
func (dev *Device) readFullStatusLocked(buffer []byte) (int, *Error) {
	if len(buffer) < 8 {
		return 0, nil
	}
	binary.BigEndian.PutUint32(buffer[0:4], dev.Generation)

	offset := 8
	size := 0
	sizeMax := len(buffer) - 8
	for _, reg := range dev.Registrants {
		tidSize := int(TransportIDSize(reg.TransportID))
		recLen := 24 + tidSize

		if sizeMax-size > recLen {
			rec := buffer[offset : offset+recLen]
			for i := range rec {
				rec[i] = 0
			}
			binary.BigEndian.PutUint64(rec[0:8], reg.Key)
			if dev.IsSet && dev.isHolder(reg) {
				rec[12] = 1
				rec[13] = byte(dev.Scope)<<4 | byte(dev.Type)
			}
			binary.BigEndian.PutUint16(rec[18:20], reg.RelTgtID)
			binary.BigEndian.PutUint32(rec[20:24], uint32(tidSize))
			copy(rec[24:], reg.TransportID)
			offset += recLen
		}
		size += recLen
	}
	binary.BigEndian.PutUint32(buffer[4:8], uint32(size))
	return offset, nil
}

// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import "encoding/binary"

// Reserve implements the RESERVE service action: the requester, already
// registered with a matching reservation key, becomes the reservation
// holder at the scope/type carried in CDB byte 2 (high nibble scope, low
// nibble type). Re-issuing an identical RESERVE by the current holder is
// a no-op; any other mismatch is a reservation conflict. Must be called
// with dev.PRMu held for write.
func (dev *Device) Reserve(req *Request, buffer []byte, cdbByte2 byte) *Error {
	if len(buffer) != 24 {
		return NewError(SenseParameterListLengthInvalid)
	}
	key := binary.BigEndian.Uint64(buffer[0:8])
	scope := Scope(cdbByte2 >> 4)
	typ := Type(cdbByte2 & 0x0f)

	if scope != ScopeLU {
		return NewFieldError(SenseInvalidFieldInCDB, 2, 4, true, "only LU scope is supported")
	}
	if !typ.IsValid() {
		return NewFieldError(SenseInvalidFieldInCDB, 2, 0, true, "invalid persistent reservation type")
	}

	reg := dev.registrant(req)
	if reg == nil || reg.Key != key {
		return errReservationConflict
	}

	if !dev.IsSet {
		dev.setHolder(reg, scope, typ)
		return nil
	}

	if !dev.isHolder(reg) {
		// Also required by the "commands allowed in the presence of
		// various reservations" table: only the holder may override.
		return errReservationConflict
	}
	if dev.Scope != scope || dev.Type != typ {
		return errReservationConflict
	}
	// Same holder, same scope/type: nothing to do.
	return nil
}

// Release implements the RELEASE service action: a registrant holding
// the reservation gives it up. RELEASE against a reservation the
// requester doesn't hold - or none at all - is a silent no-op, matching
// SPC-4's "release of a reservation not held" behavior; a held
// reservation whose scope/type doesn't match the one in the CDB is
// rejected as an invalid release. generation is not incremented. Must be
// called with dev.PRMu held for write.
func (dev *Device) Release(req *Request, buffer []byte, cdbByte2 byte) *Error {
	if len(buffer) != 24 {
		return NewError(SenseParameterListLengthInvalid)
	}
	key := binary.BigEndian.Uint64(buffer[0:8])
	scope := Scope(cdbByte2 >> 4)
	typ := Type(cdbByte2 & 0x0f)

	if !dev.IsSet {
		return nil
	}

	reg := dev.registrant(req)
	if reg == nil || reg.Key != key {
		return errReservationConflict
	}
	if !dev.isHolder(reg) {
		return nil
	}
	if dev.Scope != scope || dev.Type != typ {
		return NewFieldError(SenseInvalidFieldInCDB, 2, 0, true,
			"released scope/type does not match the current reservation")
	}

	releasedType := dev.Type
	dev.clearReservation()

	switch releasedType {
	case TypeWriteExclusiveRegOnly, TypeExclusiveAccessRegOnly,
		TypeWriteExclusiveAllReg, TypeExclusiveAccessAllReg:
		dev.sendUAAll(dev.Registrants, reg, senseReservationsReleased)
	}
	return nil
}

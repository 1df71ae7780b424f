// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import "encoding/binary"

// Clear implements the CLEAR service action: every registrant other than
// the requester is notified, every registrant (the requester included)
// is removed, and the reservation is dropped entirely,
// regardless of its type. generation is incremented. Must be called
// with dev.PRMu held for write.
func (dev *Device) Clear(req *Request, buffer []byte) *Error {
	if len(buffer) != 24 {
		return NewError(SenseParameterListLengthInvalid)
	}
	key := binary.BigEndian.Uint64(buffer[0:8])

	reg := dev.registrant(req)
	if reg == nil || reg.Key != key {
		return errReservationConflict
	}

	dev.sendUAAll(dev.Registrants, reg, senseReservationsPreempted)
	for _, r := range append([]*Registrant(nil), dev.Registrants...) {
		dev.removeRegistrant(r)
	}
	// removeRegistrant already clears the reservation once the last
	// holder-bearing registrant is gone, but do it unconditionally too
	// so CLEAR's post-state never depends on removal order.
	dev.clearReservation()

	dev.Generation++
	return nil
}

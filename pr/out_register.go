// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import "encoding/binary"

// registerFlags unpacks the three single-bit fields the REGISTER and
// REGISTER_AND_IGNORE_EXISTING parameter lists pack into byte 20.
func registerFlags(b byte) (aptpl, specIPT, allTgPt bool) {
	return b&0x01 != 0, b&0x08 != 0, b&0x04 != 0
}

// Register implements both REGISTER and REGISTER_AND_IGNORE_EXISTING;
// ignoreExisting selects the latter's relaxed reservation-key check and
// disables spec_i_pt (REGISTER_AND_IGNORE_EXISTING's parameter list has
// no transport ID list). Must be called with dev.PRMu held for write.
func (dev *Device) Register(req *Request, buffer []byte, ignoreExisting bool) *Error {
	if len(buffer) < 24 {
		return NewError(SenseParameterListLengthInvalid)
	}
	key := binary.BigEndian.Uint64(buffer[0:8])
	actionKey := binary.BigEndian.Uint64(buffer[8:16])
	aptpl, specIPT, allTgPt := registerFlags(buffer[20])
	if ignoreExisting {
		specIPT = false
	}
	if !specIPT && len(buffer) != 24 {
		return NewError(SenseParameterListLengthInvalid)
	}

	reg := dev.registrant(req)

	if reg == nil {
		if !ignoreExisting && key != 0 {
			return errReservationConflict
		}
		if actionKey != 0 {
			if err := dev.registerNew(req, buffer, specIPT, allTgPt, actionKey); err != nil {
				return err
			}
		}
	} else {
		if !ignoreExisting && reg.Key != key {
			return errReservationConflict
		}
		if specIPT {
			return NewFieldError(SenseInvalidFieldInParameterList, 20, 3, true,
				"spec_i_pt must be zero for an already-registered initiator")
		}
		if actionKey == 0 {
			if allTgPt {
				dev.unregisterAllTgPt(reg.TransportID)
			} else {
				dev.unregister(reg)
			}
		} else {
			reg.Key = actionKey
		}
	}

	dev.Generation++
	dev.APTPL = aptpl
	return nil
}

// registerNew performs the multi-registrant expansion (all_tg_pt,
// spec_i_pt) for a requester that is not yet registered, rolling every
// registrant it touched back to its prior state if any step fails.
func (dev *Device) registerNew(req *Request, buffer []byte, specIPT, allTgPt bool, actionKey uint64) *Error {
	var touched []*Registrant
	var err *Error
	if allTgPt {
		err = dev.registerAllTgPt(req, buffer, specIPT, actionKey, &touched)
	} else {
		err = dev.registerOnTgtID(req.RelTgtID, req, buffer, specIPT, actionKey, &touched)
	}
	if err != nil {
		dev.rollbackRegistrations(touched)
		return err
	}
	for _, r := range touched {
		r.rollbackKey = 0
		r.isNew = false
	}
	return nil
}

func (dev *Device) rollbackRegistrations(touched []*Registrant) {
	for i := len(touched) - 1; i >= 0; i-- {
		r := touched[i]
		if r.isNew {
			dev.removeRegistrant(r)
		} else {
			r.Key = r.rollbackKey
			r.rollbackKey = 0
		}
	}
}

// registerOnTgtID registers req's initiator on relTgtID, expanding the
// spec_i_pt transport ID list first if present, and appends every
// registrant it creates or modifies to *touched for rollback.
func (dev *Device) registerOnTgtID(relTgtID uint16, req *Request, buffer []byte, specIPT bool, actionKey uint64, touched *[]*Registrant) *Error {
	if specIPT {
		if err := dev.registerWithSpecIPT(relTgtID, buffer, actionKey, touched); err != nil {
			return err
		}
	}
	// req's own initiator may already have been registered above, if it
	// appeared in the spec_i_pt list.
	if dev.findByTID(req.TransportID, relTgtID) == nil {
		reg, err := dev.addRegistrant(req.TransportID, relTgtID, actionKey)
		if err != nil {
			return NewError(SenseBusy)
		}
		*touched = append(*touched, reg)
	}
	return nil
}

// registerAllTgPt expands registration across every local target port of
// the requester's transport protocol, plus every remote target port
// known to the cluster/ALUA configuration.
func (dev *Device) registerAllTgPt(req *Request, buffer []byte, specIPT bool, actionKey uint64, touched *[]*Registrant) *Error {
	proto := protocolName(req.TransportID)
	for _, port := range dev.Hooks.EnumerateLocalTargetPorts(proto) {
		if port.RelTgtID == 0 {
			continue
		}
		if err := dev.registerOnTgtID(port.RelTgtID, req, buffer, specIPT, actionKey, touched); err != nil {
			return err
		}
	}
	for _, relTgtID := range dev.Hooks.EnumerateRemoteTargetPorts(dev) {
		if relTgtID == 0 {
			continue
		}
		if err := dev.registerOnTgtID(relTgtID, req, buffer, specIPT, actionKey, touched); err != nil {
			return err
		}
	}
	return nil
}

// registerWithSpecIPT parses the transport ID list starting at byte 28
// of buffer and registers each entry on relTgtID with actionKey.
func (dev *Device) registerWithSpecIPT(relTgtID uint16, buffer []byte, actionKey uint64, touched *[]*Registrant) *Error {
	if len(buffer) < 28 {
		return NewError(SenseParameterListLengthInvalid)
	}
	extSize := int(binary.BigEndian.Uint32(buffer[24:28]))
	if extSize+28 > len(buffer) {
		return NewError(SenseParameterListLengthInvalid)
	}
	list := buffer[28 : 28+extSize]

	offset := 0
	for offset < len(list) {
		tid := list[offset:]
		size := int(TransportIDSize(tid))
		if size <= 0 || offset+size > len(list) {
			return NewFieldError(SenseInvalidFieldInParameterList, 24, 0, false,
				"invalid transport id size in spec_i_pt list")
		}
		if err := dev.registerSpecIPTEntry(list[offset:offset+size], relTgtID, actionKey, touched); err != nil {
			return err
		}
		offset += size
	}
	return nil
}

func (dev *Device) registerSpecIPTEntry(tid []byte, relTgtID uint16, actionKey uint64, touched *[]*Registrant) *Error {
	if reg := dev.findByTID(tid, relTgtID); reg != nil {
		if reg.Key != actionKey {
			reg.rollbackKey = reg.Key
			reg.isNew = false
			reg.Key = actionKey
			*touched = append(*touched, reg)
		}
		return nil
	}
	reg, err := dev.addRegistrant(tid, relTgtID, actionKey)
	if err != nil {
		return NewError(SenseBusy)
	}
	*touched = append(*touched, reg)
	return nil
}

// unregister removes reg and, if it was the sole holder of a
// registrants-only reservation that is now empty, notifies the remaining
// registrants that the reservation was released.
func (dev *Device) unregister(reg *Registrant) {
	wasHolder := dev.isHolder(reg)
	typ := dev.Type
	dev.removeRegistrant(reg)
	if wasHolder && !dev.IsSet {
		switch typ {
		case TypeWriteExclusiveRegOnly, TypeExclusiveAccessRegOnly:
			dev.sendUAAll(dev.Registrants, nil, senseReservationsReleased)
		}
	}
}

// unregisterAllTgPt removes every registrant sharing tid's initiator
// port, across all of its relative target ids.
func (dev *Device) unregisterAllTgPt(tid []byte) {
	for _, reg := range append([]*Registrant(nil), dev.Registrants...) {
		if TransportIDEqual(reg.TransportID, tid) {
			dev.unregister(reg)
		}
	}
}

// RegisterAndMove implements the REGISTER_AND_MOVE service action: the
// requester, which must be the current reservation holder, transfers its
// reservation to a different (possibly not yet registered) initiator
// port and may optionally unregister itself in the process. Must be
// called with dev.PRMu held for write.
func (dev *Device) RegisterAndMove(req *Request, buffer []byte) *Error {
	if len(buffer) < 24 {
		return NewError(SenseParameterListLengthInvalid)
	}
	aptpl := buffer[17]&0x01 != 0
	unreg := buffer[17]&0x02 != 0
	key := binary.BigEndian.Uint64(buffer[0:8])
	actionKey := binary.BigEndian.Uint64(buffer[8:16])
	relTgtIDMove := binary.BigEndian.Uint16(buffer[18:20])
	tidSize := int(binary.BigEndian.Uint32(buffer[20:24]))

	if tidSize+24 > len(buffer) {
		return NewError(SenseInvalidFieldInParameterList)
	}
	if tidSize < TIDCommonSize {
		return NewFieldError(SenseInvalidFieldInParameterList, 20, 0, false, "transport id buffer too small")
	}

	reg := dev.registrant(req)
	if reg == nil || reg.Key != key {
		return errReservationConflict
	}
	if !dev.IsSet {
		return NewError(SenseInvalidFieldInCDB)
	}
	// Also required by the "commands allowed in the presence of various
	// reservations" table: only the holder may move a reservation.
	if !dev.isHolder(reg) {
		return errReservationConflict
	}
	if actionKey == 0 {
		return NewFieldError(SenseInvalidFieldInCDB, 8, 0, false, "action key must be non-zero")
	}

	tidMove := buffer[24:]
	if !SecureTransportID(tidMove, len(buffer)-24) {
		return NewError(SenseInvalidFieldInParameterList, "destination transport id runs past the parameter list")
	}
	if dev.Type.IsAllReg() {
		return errReservationConflict
	}
	if TransportIDEqual(req.TransportID, tidMove) {
		return NewFieldError(SenseInvalidFieldInParameterList, 24, 0, false,
			"cannot move a reservation to the same initiator port")
	}

	regMove := dev.findByTID(tidMove, relTgtIDMove)
	if regMove == nil {
		var ferr error
		regMove, ferr = dev.addRegistrant(tidMove, relTgtIDMove, actionKey)
		if ferr != nil {
			return NewError(SenseBusy)
		}
	} else if regMove.Key != actionKey {
		regMove.Key = actionKey
	}

	dev.setHolder(regMove, dev.Scope, dev.Type)
	if unreg {
		dev.removeRegistrant(reg)
	}

	dev.Generation++
	dev.APTPL = aptpl
	return nil
}

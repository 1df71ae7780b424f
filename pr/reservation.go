// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

// setHolder installs reg (or, for the ALL_REG types, every current
// registrant) as the reservation holder with the given scope/type. Must
// be called with dev.PRMu held for write.
func (dev *Device) setHolder(reg *Registrant, scope Scope, typ Type) {
	dev.IsSet = true
	dev.Scope = scope
	dev.Type = typ
	if typ.IsAllReg() {
		dev.Holder = nil
	} else {
		dev.Holder = reg
	}
}

// clearReservation drops the reservation entirely: no holder, scope
// reset to LU, type reset to UNSPECIFIED. Must be called with dev.PRMu
// held for write.
func (dev *Device) clearReservation() {
	dev.IsSet = false
	dev.Scope = ScopeLU
	dev.Type = TypeUnspecified
	dev.Holder = nil
}

// clearHolder implements the registrant-removal-time reservation
// transition (see RegistrantSet.remove in the design): for the ALL_REG
// types the reservation survives as long as registrants remain, and is
// only cleared once the set empties out; every other type is cleared
// unconditionally, since its sole holder is by definition the registrant
// being removed. Must be called with dev.PRMu held for write.
func (dev *Device) clearHolder() {
	if dev.Type.IsAllReg() {
		if len(dev.Registrants) == 0 {
			dev.clearReservation()
		}
	} else {
		dev.clearReservation()
	}
	dev.Holder = nil
}

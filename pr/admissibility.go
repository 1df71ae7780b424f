// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

// IsCmdAllowed decides whether a dispatched command may proceed against
// the logical unit given its current persistent-reservation state. reg
// is the requester's registrant, or nil if the requester never
// registered. Acquires dev.PRMu for read.
func (dev *Device) IsCmdAllowed(reg *Registrant, flags CmdOpFlags) bool {
	dev.PRMu.RLock()
	defer dev.PRMu.RUnlock()
	return dev.isCmdAllowedLocked(reg, flags)
}

func (dev *Device) isCmdAllowedLocked(reg *Registrant, flags CmdOpFlags) bool {
	if !dev.IsSet {
		return true
	}
	switch dev.Type {
	case TypeWriteExclusive:
		return reg == dev.Holder || flags.WriteExclAllowed
	case TypeExclusiveAccess:
		return reg == dev.Holder || flags.ExclAccessAllowed
	case TypeWriteExclusiveRegOnly, TypeWriteExclusiveAllReg:
		return reg != nil || flags.WriteExclAllowed
	case TypeExclusiveAccessRegOnly, TypeExclusiveAccessAllReg:
		return reg != nil || flags.ExclAccessAllowed
	default:
		return true
	}
}

// CRHCase decides whether a legacy SCSI-2 RESERVE/RELEASE command should
// be permitted despite an active persistent reservation (Compatible
// Reservation Handling, SPC-4 clause 5.9.3). Acquires dev.PRMu for read.
func (dev *Device) CRHCase(reg *Registrant) bool {
	dev.PRMu.RLock()
	defer dev.PRMu.RUnlock()

	if !dev.IsSet {
		return false
	}
	switch dev.Type {
	case TypeWriteExclusive, TypeExclusiveAccess:
		return reg == dev.Holder
	case TypeWriteExclusiveRegOnly, TypeExclusiveAccessRegOnly,
		TypeWriteExclusiveAllReg, TypeExclusiveAccessAllReg:
		return reg != nil
	default:
		return false
	}
}

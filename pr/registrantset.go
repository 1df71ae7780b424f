// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	log "github.com/hpe-storage/scsi-pr-engine/logger"
)

// findByTID returns the registrant bound to (tid, relTgtID), or nil.
// Must be called with dev.PRMu held (read or write).
func (dev *Device) findByTID(tid []byte, relTgtID uint16) *Registrant {
	for _, reg := range dev.Registrants {
		if reg.RelTgtID == relTgtID && TransportIDEqual(reg.TransportID, tid) {
			return reg
		}
	}
	return nil
}

// findByKey returns every registrant whose key equals key, in
// registrant-set order. Used by PREEMPT to select its victims.
func (dev *Device) findByKey(key uint64) []*Registrant {
	var out []*Registrant
	for _, reg := range dev.Registrants {
		if reg.Key == key {
			out = append(out, reg)
		}
	}
	return out
}

// findAllExcept returns every registrant other than excl, in
// registrant-set order.
func (dev *Device) findAllExcept(excl *Registrant) []*Registrant {
	var out []*Registrant
	for _, reg := range dev.Registrants {
		if reg != excl {
			out = append(out, reg)
		}
	}
	return out
}

// addRegistrant appends a new registrant for (tid, relTgtID, key) to the
// device's registrant set and attempts to bind it to a live target-device
// session. Returns an error (never nil on failure) if (tid, relTgtID)
// already has a registrant - that is a programming error in the caller,
// since every addRegistrant call site already checked findByTID first.
// Must be called with dev.PRMu held for write.
func (dev *Device) addRegistrant(tid []byte, relTgtID uint16, key uint64) (*Registrant, error) {
	if existing := dev.findByTID(tid, relTgtID); existing != nil {
		log.Errorf("addRegistrant: duplicate registrant for rel_tgt_id %d on device %s", relTgtID, dev.Name)
		return nil, errBusy
	}

	owned := make([]byte, len(tid))
	copy(owned, tid)

	reg := &Registrant{
		TransportID: owned,
		RelTgtID:    relTgtID,
		Key:         key,
		isNew:       true,
	}

	dev.bindingMu.Lock()
	reg.binding = dev.Hooks.FindTgtDev(dev, owned, relTgtID)
	dev.bindingMu.Unlock()

	dev.Registrants = append(dev.Registrants, reg)

	if err := dev.Cluster.PRInitReg(dev, reg); err != nil && err != ErrClusterUnsupported {
		log.Warnf("addRegistrant: cluster PRInitReg failed for device %s: %v", dev.Name, err)
	}

	return reg, nil
}

// removeRegistrant detaches reg from its target-device binding, drops reg
// from the registrant set, and, if reg was a holder, applies clearHolder:
// a non-ALL_REG reservation is cleared, an ALL_REG one only once the
// registrant set is empty. Must be called with dev.PRMu held for write.
func (dev *Device) removeRegistrant(reg *Registrant) {
	dev.bindingMu.Lock()
	reg.binding = nil
	dev.bindingMu.Unlock()

	wasHolder := dev.IsSet && dev.isHolder(reg)

	for i, r := range dev.Registrants {
		if r == reg {
			dev.Registrants = append(dev.Registrants[:i], dev.Registrants[i+1:]...)
			break
		}
	}

	if err := dev.Cluster.PRRmReg(dev, reg); err != nil && err != ErrClusterUnsupported {
		log.Warnf("removeRegistrant: cluster PRRmReg failed for device %s: %v", dev.Name, err)
	}

	if wasHolder {
		dev.clearHolder()
	}
}

// isHolder reports whether reg currently holds the reservation: for the
// two ALL_REG types every registrant is a holder; otherwise only the
// single Holder pointer is.
func (dev *Device) isHolder(reg *Registrant) bool {
	if !dev.IsSet {
		return false
	}
	if dev.Type.IsAllReg() {
		return reg != nil
	}
	return dev.Holder == reg
}

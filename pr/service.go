// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

// ExecuteOut dispatches a PERSISTENT RESERVE OUT command to the handler
// for the given service action, running it under dev.PRMu held for
// write for the entire execution and persisting the result afterward.
// cdbByte2 is the
// CDB's scope/type byte, consulted only by RESERVE, RELEASE, PREEMPT, and
// PREEMPT_AND_ABORT; paramList is the command's parameter list data.
func (dev *Device) ExecuteOut(action ServiceAction, req *Request, cdbByte2 byte, paramList []byte) *Error {
	dev.PRMu.Lock()
	defer dev.PRMu.Unlock()

	var err *Error
	switch action {
	case ActionRegister:
		err = dev.Register(req, paramList, false)
	case ActionRegisterAndIgnoreExisting:
		err = dev.Register(req, paramList, true)
	case ActionReserve:
		err = dev.Reserve(req, paramList, cdbByte2)
	case ActionRelease:
		err = dev.Release(req, paramList, cdbByte2)
	case ActionClear:
		err = dev.Clear(req, paramList)
	case ActionPreempt:
		err = dev.Preempt(req, paramList, cdbByte2)
	case ActionPreemptAndAbort:
		err = dev.PreemptAndAbort(req, paramList, cdbByte2)
	case ActionRegisterAndMove:
		err = dev.RegisterAndMove(req, paramList)
	default:
		err = NewFieldError(SenseInvalidFieldInCDB, 1, 0, true,
			"unsupported PERSISTENT RESERVE OUT service action")
	}

	// Every mutating handler above leaves the device state coherent
	// before returning success; unless APTPL is active and at least one
	// registrant survived, Save removes both PR files instead of writing.
	if err == nil {
		dev.Save()
	}
	return err
}

// ExecuteIn dispatches a PERSISTENT RESERVE IN command to the handler for
// the given read action, running it under dev.PRMu held for read: no
// PR-IN service action mutates device state. Returns the number of bytes
// written into buffer.
func (dev *Device) ExecuteIn(action ReadAction, buffer []byte) (int, *Error) {
	dev.PRMu.RLock()
	defer dev.PRMu.RUnlock()

	switch action {
	case ActionReadKeys:
		return dev.readKeysLocked(buffer)
	case ActionReadReservation:
		return dev.readReservationLocked(buffer)
	case ActionReportCapabilities:
		return dev.reportCapabilitiesLocked(buffer)
	case ActionReadFullStatus:
		return dev.readFullStatusLocked(buffer)
	default:
		return 0, NewFieldError(SenseInvalidFieldInCDB, 1, 0, true,
			"unsupported PERSISTENT RESERVE IN service action")
	}
}

// Init brings a device's PR state online: it loads any persisted state
// from disk and claims cluster ownership of the device's PR key space,
// in that order, so a clustered backend observes a device that already
// reflects its on-disk state. Must be called before the device serves
// any command, and never concurrently with another Init/Close on the
// same device.
func (dev *Device) Init() error {
	dev.PRMu.Lock()
	defer dev.PRMu.Unlock()

	if err := dev.Load(); err != nil {
		return err
	}
	if err := dev.Cluster.PRInit(dev); err != nil && err != ErrClusterUnsupported {
		return err
	}
	return nil
}

// Close releases whatever Init acquired, at device teardown.
func (dev *Device) Close() error {
	dev.PRMu.Lock()
	defer dev.PRMu.Unlock()

	if err := dev.Cluster.PRCleanup(dev); err != nil && err != ErrClusterUnsupported {
		return err
	}
	return nil
}

// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"encoding/binary"
	"sync/atomic"

	log "github.com/hpe-storage/scsi-pr-engine/logger"
)

// AbortCoordinator synchronizes a PREEMPT_AND_ABORT's own completion with
// every command abort it dispatches, so the initiator never sees the PR
// command complete before every other initiator's in-flight commands on
// this logical unit have actually been aborted (see the "abort
// coordination" note in the concurrency model). It is a one-shot object:
// construct with newAbortCoordinator, dispatch zero or more aborts, then
// call finish exactly once.
//
// pending starts at 1, a placeholder reference that keeps the coordinator
// alive while PreemptAndAbort is still walking the victim list and may
// yet dispatch more aborts; finish releases that placeholder and then
// waits for every dispatched abort to release its own reference too.
type AbortCoordinator struct {
	pending int32
	done    chan struct{}
}

func newAbortCoordinator() *AbortCoordinator {
	return &AbortCoordinator{pending: 1, done: make(chan struct{})}
}

// dispatch requests that every outstanding command on binding's session
// be aborted, and holds the coordinator open until that request
// completes. A nil binding (registrant has no live session) is a no-op,
// matching ExternalHooks' "best effort" contract for bindings.
func (c *AbortCoordinator) dispatch(hooks ExternalHooks, binding TargetDevBinding) {
	if binding == nil {
		return
	}
	atomic.AddInt32(&c.pending, 1)
	go func() {
		if err := hooks.IssueAbortAllForLUN(binding, c); err != nil {
			log.Warnf("PreemptAndAbort: abort of %s failed: %v", binding.SessionID(), err)
		}
		c.release()
	}()
}

func (c *AbortCoordinator) release() {
	if atomic.AddInt32(&c.pending, -1) == 0 {
		close(c.done)
	}
}

// finish releases the coordinator's placeholder reference and blocks
// until every dispatched abort has completed.
func (c *AbortCoordinator) finish() {
	c.release()
	<-c.done
}

// Preempt implements the PREEMPT service action. Must be called with
// dev.PRMu held for write.
func (dev *Device) Preempt(req *Request, buffer []byte, cdbByte2 byte) *Error {
	return dev.doPreempt(req, buffer, cdbByte2, nil)
}

// PreemptAndAbort implements the PREEMPT_AND_ABORT service action:
// identical to PREEMPT, but every victim registrant with a live session
// also has its outstanding commands aborted, and (on a session other
// than the requester's own, absent TAS) is sent a COMMANDS CLEARED BY
// ANOTHER INITIATOR unit attention. The command does not report
// completion until every dispatched abort has finished (see
// AbortCoordinator). Must be called with dev.PRMu held for write.
func (dev *Device) PreemptAndAbort(req *Request, buffer []byte, cdbByte2 byte) *Error {
	ac := newAbortCoordinator()
	err := dev.doPreempt(req, buffer, cdbByte2, ac)
	ac.finish()
	return err
}

func (dev *Device) doPreempt(req *Request, buffer []byte, cdbByte2 byte, ac *AbortCoordinator) *Error {
	if len(buffer) != 24 {
		return NewError(SenseParameterListLengthInvalid)
	}
	key := binary.BigEndian.Uint64(buffer[0:8])
	actionKey := binary.BigEndian.Uint64(buffer[8:16])
	scope := Scope(cdbByte2 >> 4)
	typ := Type(cdbByte2 & 0x0f)
	if !typ.IsValid() {
		return NewFieldError(SenseInvalidFieldInCDB, 1, 0, true, "invalid persistent reservation type")
	}

	reg := dev.registrant(req)
	if reg == nil || reg.Key != key {
		return errReservationConflict
	}

	existingType := dev.Type
	existingScope := dev.Scope

	switch {
	case !dev.IsSet:
		victims := dev.findByKey(actionKey)
		if len(victims) == 0 {
			return errReservationConflict
		}
		dev.preemptVictims(victims, reg, ac, false)

	case dev.Type.IsAllReg():
		if actionKey == 0 {
			victims := dev.findAllExcept(reg)
			dev.preemptVictims(victims, reg, ac, false)
			dev.setHolder(reg, scope, typ)
		} else {
			victims := dev.findByKey(actionKey)
			if len(victims) == 0 {
				return errReservationConflict
			}
			// Victims are removed, but the ALL_REG reservation
			// itself is left untouched beyond that.
			dev.preemptVictims(victims, reg, ac, false)
		}

	case dev.Holder.Key != actionKey:
		if actionKey == 0 {
			return NewFieldError(SenseInvalidFieldInParameterList, 8, 0, false, "action key must be non-zero")
		}
		victims := dev.findByKey(actionKey)
		if len(victims) == 0 {
			return errReservationConflict
		}
		// The requester is preempting a key that isn't the holder's;
		// if that key happens to be its own, it goes down with the
		// rest of the matches.
		dev.preemptVictims(victims, reg, ac, true)

	default:
		victims := dev.findByKey(actionKey)
		dev.preemptVictims(victims, reg, ac, false)
		dev.setHolder(reg, scope, typ)
		if existingType != typ || existingScope != scope {
			dev.sendUAAll(dev.Registrants, reg, senseReservationsReleased)
		}
	}

	dev.Generation++
	return nil
}

// preemptVictims aborts (if ac is non-nil), notifies, and removes every
// registrant in victims. requester is spared removal unless
// removeRequester is set, and never gets a unit attention; its own
// outstanding commands are still aborted, like any other victim's. Must
// be called with dev.PRMu held for write.
func (dev *Device) preemptVictims(victims []*Registrant, requester *Registrant, ac *AbortCoordinator, removeRequester bool) {
	for _, r := range victims {
		if ac != nil {
			ac.dispatch(dev.Hooks, r.binding)
			if r.binding != requester.binding && !dev.TAS {
				dev.queueUA(r, senseCommandsClearedByAnotherIT)
			}
		}
		if r != requester {
			dev.queueUA(r, senseRegistrationsPreempted)
		}
		if r != requester || removeRequester {
			dev.removeRegistrant(r)
		}
	}
}

// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioRegisterReserveReadReservation exercises registration
// followed by RESERVE and a READ RESERVATION that reflects it.
func TestScenarioRegisterReserveReadReservation(t *testing.T) {
	dev := newTestDevice(newFakeHooks(), nil, "")
	req := &Request{TransportID: buildISCSITID("iqn.init1"), RelTgtID: 1}

	require.Nil(t, dev.ExecuteOut(ActionRegister, req, 0, registerBuffer(0, 0xAAAA, false, false, false)))
	require.Nil(t, dev.ExecuteOut(ActionReserve, req, cdbByte2(ScopeLU, TypeExclusiveAccess), registerBuffer(0xAAAA, 0, false, false, false)))

	buf := make([]byte, 24)
	n, err := dev.ExecuteIn(ActionReadReservation, buf)
	assert.Nil(t, err)
	assert.Equal(t, 24, n)
	assert.EqualValues(t, 0xAAAA, be.Uint64(buf[8:16]))
	assert.Equal(t, byte(TypeExclusiveAccess), buf[21]&0x0f)
}

// TestScenarioWriteExclusiveAdmissibility exercises admissibility under
// a WRITE_EXCLUSIVE reservation: the holder and any read-class command
// may proceed, a non-holder write-class command may not.
func TestScenarioWriteExclusiveAdmissibility(t *testing.T) {
	dev := newTestDevice(newFakeHooks(), nil, "")
	holderReq := &Request{TransportID: buildISCSITID("iqn.holder"), RelTgtID: 1}
	otherReq := &Request{TransportID: buildISCSITID("iqn.other"), RelTgtID: 1}

	require.Nil(t, dev.ExecuteOut(ActionRegister, holderReq, 0, registerBuffer(0, 0x10, false, false, false)))
	require.Nil(t, dev.ExecuteOut(ActionRegister, otherReq, 0, registerBuffer(0, 0x20, false, false, false)))
	require.Nil(t, dev.ExecuteOut(ActionReserve, holderReq, cdbByte2(ScopeLU, TypeWriteExclusive), registerBuffer(0x10, 0, false, false, false)))

	holder := dev.registrant(holderReq)
	other := dev.registrant(otherReq)
	assert.True(t, dev.IsCmdAllowed(holder, CmdOpFlags{}))
	assert.False(t, dev.IsCmdAllowed(other, CmdOpFlags{}))
	assert.True(t, dev.IsCmdAllowed(other, CmdOpFlags{WriteExclAllowed: true}))
}

// TestScenarioTwoRegistrantPreempt exercises a PREEMPT between two
// registrants where the victim is removed and the preemptor becomes the
// new holder.
func TestScenarioTwoRegistrantPreempt(t *testing.T) {
	hooks := newFakeHooks()
	dev := newTestDevice(hooks, nil, "")
	reqA := &Request{TransportID: buildISCSITID("iqn.a"), RelTgtID: 1}
	reqB := &Request{TransportID: buildISCSITID("iqn.b"), RelTgtID: 1}
	bindingB := &fakeBinding{id: "sess-b"}
	hooks.bind(reqB.TransportID, 1, bindingB)

	require.Nil(t, dev.ExecuteOut(ActionRegister, reqA, 0, registerBuffer(0, 0xA, false, false, false)))
	require.Nil(t, dev.ExecuteOut(ActionRegister, reqB, 0, registerBuffer(0, 0xB, false, false, false)))
	require.Nil(t, dev.ExecuteOut(ActionReserve, reqB, cdbByte2(ScopeLU, TypeExclusiveAccess), registerBuffer(0xB, 0, false, false, false)))

	err := dev.ExecuteOut(ActionPreempt, reqA, cdbByte2(ScopeLU, TypeExclusiveAccess), registerBuffer(0xA, 0xB, false, false, false))
	assert.Nil(t, err)
	assert.Len(t, dev.Registrants, 1)
	assert.Equal(t, dev.registrant(reqA), dev.Holder)
	assert.Equal(t, 1, hooks.uaCount("sess-b"))
}

// TestScenarioAllTgPtExpansionAcrossThreePorts registers with all_tg_pt
// set across three target ports and verifies every port gets its own
// registrant sharing the requester's key.
func TestScenarioAllTgPtExpansionAcrossThreePorts(t *testing.T) {
	hooks := newFakeHooks()
	hooks.localPorts = []TargetPort{{Target: "tgt0", RelTgtID: 1}, {Target: "tgt0", RelTgtID: 2}}
	hooks.remotePorts = []uint16{3}
	dev := newTestDevice(hooks, nil, "")
	req := &Request{TransportID: buildISCSITID("iqn.init1"), RelTgtID: 1}

	err := dev.ExecuteOut(ActionRegister, req, 0, registerBuffer(0, 0x77, false, false, true))
	require.Nil(t, err)
	require.Len(t, dev.Registrants, 3)

	seen := map[uint16]bool{}
	for _, reg := range dev.Registrants {
		assert.EqualValues(t, 0x77, reg.Key)
		seen[reg.RelTgtID] = true
	}
	assert.True(t, seen[1] && seen[2] && seen[3])
}

// TestScenarioAPTPLSaveCorruptPrimaryReloadFromBackup exercises the
// full APTPL persistence lifecycle: two saves (to populate a backup),
// primary corruption, then Init() recovering from the backup.
func TestScenarioAPTPLSaveCorruptPrimaryReloadFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lun0.pr")
	dev := newTestDevice(newFakeHooks(), nil, path)

	req := &Request{TransportID: buildISCSITID("iqn.a"), RelTgtID: 1}
	require.Nil(t, dev.ExecuteOut(ActionRegister, req, 0, registerBuffer(0, 0x99, true, false, false)))
	require.True(t, dev.APTPL)

	req2 := &Request{TransportID: buildISCSITID("iqn.b"), RelTgtID: 1}
	require.Nil(t, dev.ExecuteOut(ActionRegister, req2, 0, registerBuffer(0, 0x88, true, false, false)))

	require.NoError(t, os.WriteFile(path, []byte("garbage, not a pr file"), 0644))

	reloaded := newTestDevice(newFakeHooks(), nil, path)
	require.NoError(t, reloaded.Init())
	assert.Len(t, reloaded.Registrants, 1, "recovered the single-registrant backup snapshot")
}

// TestScenarioRegisterAndMoveRejectedUnderAllReg exercises
// REGISTER_AND_MOVE's rejection when the current reservation is one of
// the ALL_REG types.
func TestScenarioRegisterAndMoveRejectedUnderAllReg(t *testing.T) {
	dev := newTestDevice(newFakeHooks(), nil, "")
	req := &Request{TransportID: buildISCSITID("iqn.a"), RelTgtID: 1}
	require.Nil(t, dev.ExecuteOut(ActionRegister, req, 0, registerBuffer(0, 0xAA, false, false, false)))
	require.Nil(t, dev.ExecuteOut(ActionReserve, req, cdbByte2(ScopeLU, TypeWriteExclusiveAllReg), registerBuffer(0xAA, 0, false, false, false)))

	destTID := buildCommonTID(0x00, 0x01)
	buf := make([]byte, 24+len(destTID))
	be.PutUint64(buf[0:8], 0xAA)
	be.PutUint64(buf[8:16], 0xBB)
	be.PutUint16(buf[18:20], 2)
	be.PutUint32(buf[20:24], uint32(len(destTID)))
	copy(buf[24:], destTID)

	err := dev.ExecuteOut(ActionRegisterAndMove, req, 0, buf)
	assert.Equal(t, SenseReservationConflict, err.ErrorCode())
}

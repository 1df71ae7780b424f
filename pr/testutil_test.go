// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// buildISCSITID returns a format-0 ("iSCSI name only") TransportID buffer
// for name, null-terminated at its declared length as SecureTransportID
// would leave it.
func buildISCSITID(name string) []byte {
	nameLen := len(name) + 1
	buf := make([]byte, 4+nameLen)
	buf[0] = 0x05 // protocol id 5 (iSCSI), format bits 00
	binary.BigEndian.PutUint16(buf[2:4], uint16(nameLen))
	copy(buf[4:], name)
	return buf
}

// buildISCSISessionTID returns a format-1 ("iSCSI name,i,0x...") session
// form TransportID buffer.
func buildISCSISessionTID(name string, isid string) []byte {
	full := name + ",i,0x" + isid
	nameLen := len(full) + 1
	buf := make([]byte, 4+nameLen)
	buf[0] = 0x05 | 0x40 // protocol id 5, format bits 01
	binary.BigEndian.PutUint16(buf[2:4], uint16(nameLen))
	copy(buf[4:], full)
	return buf
}

// buildCommonTID returns a fixed 24-byte common-form TransportID for a
// non-iSCSI protocol, distinguished by marker.
func buildCommonTID(protocolID byte, marker byte) []byte {
	buf := make([]byte, TIDCommonSize)
	buf[0] = protocolID & 0x0f
	buf[8] = marker
	return buf
}

type fakeBinding struct {
	id string
}

func (b *fakeBinding) SessionID() string { return b.id }

// fakeHooks is a test double for ExternalHooks: it records every queued
// unit attention and dispatched abort, and serves pre-registered
// target-port enumeration and session-binding results.
type fakeHooks struct {
	mu sync.Mutex

	localPorts  []TargetPort
	remotePorts []uint16
	bindings    map[string]TargetDevBinding

	uas      map[string][][]byte
	aborted  []string
	abortErr error
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		bindings: make(map[string]TargetDevBinding),
		uas:      make(map[string][][]byte),
	}
}

func bindingKey(tid []byte, relTgtID uint16) string {
	return fmt.Sprintf("%x/%d", tid, relTgtID)
}

func (h *fakeHooks) bind(tid []byte, relTgtID uint16, binding TargetDevBinding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindings[bindingKey(tid, relTgtID)] = binding
}

func (h *fakeHooks) EnumerateLocalTargetPorts(protocol string) []TargetPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TargetPort(nil), h.localPorts...)
}

func (h *fakeHooks) EnumerateRemoteTargetPorts(dev *Device) []uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint16(nil), h.remotePorts...)
}

func (h *fakeHooks) FindTgtDev(dev *Device, tid []byte, relTgtID uint16) TargetDevBinding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bindings[bindingKey(tid, relTgtID)]
}

func (h *fakeHooks) QueueUA(binding TargetDevBinding, senseBytes []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := binding.SessionID()
	h.uas[id] = append(h.uas[id], append([]byte(nil), senseBytes...))
}

func (h *fakeHooks) IssueAbortAllForLUN(binding TargetDevBinding, ctx interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = append(h.aborted, binding.SessionID())
	return h.abortErr
}

func (h *fakeHooks) uaCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.uas[sessionID])
}

func (h *fakeHooks) abortCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.aborted)
}

func (h *fakeHooks) abortedSessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.aborted...)
}

// spyCluster counts ClusterOps invocations without doing anything; used
// to assert that registrant lifecycle events reach the cluster hooks.
type spyCluster struct {
	mu                       sync.Mutex
	initCount, cleanupCount  int
	initRegCount, rmRegCount int
}

func (c *spyCluster) PRInit(*Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCount++
	return nil
}
func (c *spyCluster) PRCleanup(*Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupCount++
	return nil
}
func (c *spyCluster) PRInitReg(*Device, *Registrant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initRegCount++
	return nil
}
func (c *spyCluster) PRRmReg(*Device, *Registrant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rmRegCount++
	return nil
}

func newTestDevice(hooks ExternalHooks, cluster ClusterOps, prFilePath string) *Device {
	return NewDevice("test-dev", prFilePath, hooks, cluster)
}

var be = binary.BigEndian

// registerBuffer builds a minimal 24-byte REGISTER/REGISTER_AND_IGNORE
// parameter list.
func registerBuffer(key, actionKey uint64, aptpl, specIPT, allTgPt bool) []byte {
	buf := make([]byte, 24)
	be.PutUint64(buf[0:8], key)
	be.PutUint64(buf[8:16], actionKey)
	var flags byte
	if aptpl {
		flags |= 0x01
	}
	if allTgPt {
		flags |= 0x04
	}
	if specIPT {
		flags |= 0x08
	}
	buf[20] = flags
	return buf
}

func cdbByte2(scope Scope, typ Type) byte {
	return byte(scope)<<4 | byte(typ)
}

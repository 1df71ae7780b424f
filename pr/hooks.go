// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

// TargetPort is a (target, relative target id) pair as enumerated by the
// target-group/ALUA configuration layer. The engine treats Target as an
// opaque token; it exists only to be handed back through ExternalHooks.
type TargetPort struct {
	Target   string
	RelTgtID uint16
}

// ExternalHooks is everything the PR engine consumes but does not
// implement itself: target-port enumeration, session binding, unit
// attention queueing, and abort dispatch. These stay external because
// they all require state (target-group config, live sessions, task
// management) this package deliberately has no view of.
type ExternalHooks interface {
	// EnumerateLocalTargetPorts returns every local target port of the
	// given protocol, for all_tg_pt REGISTER expansion.
	EnumerateLocalTargetPorts(protocol string) []TargetPort
	// EnumerateRemoteTargetPorts returns the relative target ids of
	// every remote target port configured for dev's target group, for
	// all_tg_pt REGISTER expansion in a clustered/ALUA deployment.
	EnumerateRemoteTargetPorts(dev *Device) []uint16
	// FindTgtDev looks up a live target-device session matching
	// (tid, relTgtID) so a newly added registrant can be bound to it.
	// May return nil; binding is always best-effort.
	FindTgtDev(dev *Device, tid []byte, relTgtID uint16) TargetDevBinding
	// QueueUA queues a deferred unit attention, encoded as raw sense
	// bytes, for delivery on binding's next command.
	QueueUA(binding TargetDevBinding, senseBytes []byte)
	// IssueAbortAllForLUN requests that every outstanding command on
	// binding's session against this logical unit be aborted. ctx
	// identifies the PR command driving the abort, so the dispatcher can
	// correlate completion.
	IssueAbortAllForLUN(binding TargetDevBinding, ctx interface{}) error
}

// NoOpHooks is the zero-collaborator ExternalHooks implementation: no
// target ports, no sessions, UAs and aborts silently discarded. Safe for
// unit tests and for single-session embeddings that don't wire a real
// dispatcher.
type NoOpHooks struct{}

func (NoOpHooks) EnumerateLocalTargetPorts(string) []TargetPort { return nil }
func (NoOpHooks) EnumerateRemoteTargetPorts(*Device) []uint16 { return nil }
func (NoOpHooks) FindTgtDev(*Device, []byte, uint16) TargetDevBinding { return nil }
func (NoOpHooks) QueueUA(TargetDevBinding, []byte) {}
func (NoOpHooks) IssueAbortAllForLUN(TargetDevBinding, interface{}) error {
	return nil
}

// Unit attention sense byte sequences (fixed format, SPC-4 table D.1).
// Byte 2 is the sense key (UNIT ATTENTION = 0x06); bytes 12/13 are
// ASC/ASCQ.
var (
	senseReservationsReleased       = []byte{0x70, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00, 0x2a, 0x04}
	senseReservationsPreempted      = []byte{0x70, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00, 0x2a, 0x03}
	senseRegistrationsPreempted     = []byte{0x70, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00, 0x2a, 0x05}
	senseCommandsClearedByAnotherIT = []byte{0x70, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00, 0x2f, 0x00}
)

// sendUAAll queues sense on every registrant in list except exclude.
func (dev *Device) sendUAAll(list []*Registrant, exclude *Registrant, sense []byte) {
	for _, reg := range list {
		if reg == exclude {
			continue
		}
		dev.queueUA(reg, sense)
	}
}

// queueUA queues sense on reg if it currently has a live session bound;
// a registrant with no binding (never logged in, or reloaded from disk)
// simply has nothing to queue it to.
func (dev *Device) queueUA(reg *Registrant, sense []byte) {
	if reg.binding != nil {
		dev.Hooks.QueueUA(reg.binding, sense)
	}
}

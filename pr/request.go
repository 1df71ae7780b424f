// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

// Request is the per-command identity a dispatcher supplies to every
// PR-OUT/PR-IN handler: which initiator port issued the command, through
// which local target port, and (optionally) the live session binding for
// that port. The handlers do not read the binding: a newly added
// registrant is always bound through ExternalHooks.FindTgtDev.
type Request struct {
	// TransportID is the requester's SCSI TransportID, already secured
	// (see SecureTransportID) by the dispatcher.
	TransportID []byte
	// RelTgtID is the relative target port identifier of the local
	// target port the command arrived on.
	RelTgtID uint16
	// Binding is the live target-device session for this request, or nil
	// if the dispatcher has none to offer (e.g. a reconstructed request
	// in a test).
	Binding TargetDevBinding
}

// registrant returns the Registrant already bound to req's (transport
// id, relative target id), or nil if this requester has not registered.
// Must be called with dev.PRMu held.
func (dev *Device) registrant(req *Request) *Registrant {
	return dev.findByTID(req.TransportID, req.RelTgtID)
}

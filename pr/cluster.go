// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

// ClusterOps is the pluggable capability set that lets a clustered
// target observe device bring-up/teardown and every registrant addition
// and removal, so a replicated backend (e.g. the etcd-backed distributed
// lock manager in pr/cluster) can fence or propagate those changes across
// nodes. The registrant hooks run while dev.PRMu is held for write,
// before the PR-OUT service action returns to the caller. Reservation
// changes (RESERVE, RELEASE, a holder change) and reservation-key
// overwrites of an existing registrant invoke no hook.
//
// The default, NoOpCluster, makes every hook a no-op so a single-node
// target needs no cluster coordination at all.
type ClusterOps interface {
	// PRInit is called once, when a Device is first brought up, to let
	// a clustered backend claim ownership of this logical unit's PR
	// state (e.g. acquire a distributed lock keyed by device name).
	PRInit(dev *Device) error
	// PRCleanup releases whatever PRInit acquired, at device teardown.
	PRCleanup(dev *Device) error
	// PRInitReg is invoked after a registrant is added, so a clustered
	// backend can replicate the new registration.
	PRInitReg(dev *Device, reg *Registrant) error
	// PRRmReg is invoked after a registrant is removed, so a clustered
	// backend can replicate the removal.
	PRRmReg(dev *Device, reg *Registrant) error
}

// NoOpCluster is the default, single-node ClusterOps implementation.
type NoOpCluster struct{}

func (NoOpCluster) PRInit(*Device) error { return nil }
func (NoOpCluster) PRCleanup(*Device) error { return nil }
func (NoOpCluster) PRInitReg(*Device, *Registrant) error { return nil }
func (NoOpCluster) PRRmReg(*Device, *Registrant) error { return nil }

// ErrClusterUnsupported is returned by a ClusterOps implementation (such
// as ClusterDLM when built without a reachable etcd cluster) for a hook
// it cannot honor. Callers treat this the same as a successful no-op:
// cluster coordination is a best-effort enhancement, never a requirement
// for local correctness.
var ErrClusterUnsupported = NewError(SenseBusy, "cluster operation unsupported")

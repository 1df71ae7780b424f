// Copyright 2020 Hewlett Packard Enterprise Development LP

// Package cluster provides ClusterOps implementations for the PR engine:
// a single-node no-op (pr.NoOpCluster, used by default) and ClusterDLM, a
// distributed-lock-manager backend for clustered target deployments
// where more than one node can present the same logical unit and must
// agree on its persistent-reservation state.
package cluster

import (
	"fmt"
	"time"

	"github.com/Scalingo/go-etcd-lock/lock"
	"github.com/coreos/etcd/clientv3"
	uuid "github.com/satori/go.uuid"

	log "github.com/hpe-storage/scsi-pr-engine/logger"
	"github.com/hpe-storage/scsi-pr-engine/pr"
)

// lockTTLSeconds bounds how long a held lock survives a crashed holder.
// PR mutations are brief (in-memory state changes plus one file write),
// so this only needs to outlive a slow disk, not an operator.
const lockTTLSeconds = 10

// dialTimeout bounds how long NewClusterDLM waits for the etcd
// endpoints before failing device bring-up.
const dialTimeout = 5 * time.Second

// ClusterDLM coordinates persistent-reservation mutations across a
// cluster of target nodes using etcd as the distributed lock manager.
// Each device gets its own lock key, so PR operations on unrelated
// logical units never contend with one another.
type ClusterDLM struct {
	locker   lock.Locker
	keyGroup string
}

// NewClusterDLM builds a ClusterDLM talking to the given etcd endpoints.
// keyGroup namespaces the lock keys this target node uses, so multiple
// independently-clustered target groups can share one etcd cluster.
func NewClusterDLM(endpoints []string, keyGroup string) (*ClusterDLM, error) {
	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("cluster: unable to build etcd client: %w", err)
	}
	return &ClusterDLM{
		locker:   lock.NewEtcdLocker(client),
		keyGroup: keyGroup,
	}, nil
}

func (c *ClusterDLM) lockKey(dev *pr.Device) string {
	return fmt.Sprintf("/%s/pr/%s", c.keyGroup, dev.Name)
}

func (c *ClusterDLM) withLock(dev *pr.Device, op string) error {
	log.Tracef("ClusterDLM: %s acquiring %s", op, c.lockKey(dev))
	l, err := c.locker.WaitAcquire(c.lockKey(dev), lockTTLSeconds)
	if err != nil {
		log.Warnf("ClusterDLM: %s failed to acquire %s: %v", op, c.lockKey(dev), err)
		return pr.ErrClusterUnsupported
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			log.Errorf("ClusterDLM: %s failed to release %s: %v", op, c.lockKey(dev), rerr)
		}
	}()
	return nil
}

// PRInit waits at device bring-up until dev's lock can be acquired, so a
// peer mid-mutation finishes before this node starts serving the device;
// the lock is released again before PRInit returns.
func (c *ClusterDLM) PRInit(dev *pr.Device) error {
	return c.withLock(dev, "PRInit")
}

// PRCleanup is a no-op beyond logging: releasing per-mutation locks
// already happens in withLock, and there is no durable cluster-wide
// state this node needs to unclaim at teardown.
func (c *ClusterDLM) PRCleanup(dev *pr.Device) error {
	log.Tracef("ClusterDLM: PRCleanup for %s", dev.Name)
	return nil
}

// PRInitReg briefly holds dev's lock and logs the newly added
// registrant with a correlation id. The registrant's (tid, rel_tgt_id,
// key) is not written to etcd; the local PR file is the only persisted
// copy of it.
func (c *ClusterDLM) PRInitReg(dev *pr.Device, reg *pr.Registrant) error {
	if err := c.withLock(dev, "PRInitReg"); err != nil {
		return err
	}
	log.Tracef("ClusterDLM: registrant rel_tgt_id=%d added on %s (txn %s)",
		reg.RelTgtID, dev.Name, uuid.NewV4())
	return nil
}

// PRRmReg is the removal counterpart of PRInitReg.
func (c *ClusterDLM) PRRmReg(dev *pr.Device, reg *pr.Registrant) error {
	if err := c.withLock(dev, "PRRmReg"); err != nil {
		return err
	}
	log.Tracef("ClusterDLM: registrant rel_tgt_id=%d removed on %s (txn %s)",
		reg.RelTgtID, dev.Name, uuid.NewV4())
	return nil
}

package scheduler

import "runtime"

// Topology describes the NUMA shape the scheduler runs over: how many
// nodes there are and how many workers each one gets. Fake topologies
// (several "nodes" on a single-socket host) are fine and used by tests.
type Topology struct {
	NumNodes       int `yaml:"num_nodes"`
	WorkersPerNode int `yaml:"workers_per_node"`
}

// DefaultTopology treats the machine as a single NUMA node with one
// worker per available CPU, the common case on workstations and most
// cloud VM shapes that don't expose NUMA distance information to the
// process.
func DefaultTopology() Topology {
	return Topology{NumNodes: 1, WorkersPerNode: runtime.GOMAXPROCS(0)}
}

func (t Topology) TotalWorkers() int {
	return t.NumNodes * t.WorkersPerNode
}

func (t Topology) validate() error {
	if t.NumNodes <= 0 || t.WorkersPerNode <= 0 {
		return ErrInvalidNode
	}
	return nil
}

// pinToNode is a best-effort hint that the calling goroutine's work
// belongs to nodeID. Go exposes no portable syscall for NUMA-node memory
// or CPU affinity, so this only locks the goroutine to its current OS
// thread,
// which at least keeps a worker's cache behavior stable across calls;
// true NUMA pinning is left to deployment-level tools (e.g. numactl).
func pinToNode(nodeID int) func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

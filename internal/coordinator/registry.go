package coordinator

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/dreamware/halo/internal/partition"
)

// Assignment binds one partition of the grid to the worker that owns it for
// the duration of a run.
//
// Thread Safety:
// Assignment values are immutable once created. The registry returns copies
// to prevent external modification.
type Assignment struct {
	// Partition is the row range the worker owns.
	Partition partition.Range
	// Addr is the worker's address as given in the run configuration.
	Addr string
	// WorkerID is the identifier the worker reported in its health check.
	// Empty until the worker was probed.
	WorkerID string
}

// PartitionRegistry records which worker owns which partition of a run and
// answers routing questions such as "who owns row r".
//
// The registry is written once when a run starts and then only read, but it
// keeps the locking of a general registry because the health monitor and the
// HTTP handlers read it from other goroutines.
type PartitionRegistry struct {
	assignments map[int]*Assignment // partition index -> assignment
	ranges      []partition.Range
	mu          sync.RWMutex
}

// NewPartitionRegistry creates a registry for the given partition plan with
// no workers assigned.
func NewPartitionRegistry(ranges []partition.Range) *PartitionRegistry {
	return &PartitionRegistry{
		assignments: make(map[int]*Assignment),
		ranges:      append([]partition.Range(nil), ranges...),
	}
}

// Assign binds partition index to the worker at addr.
//
// Validation:
//   - index must be within [0, NumPartitions())
//   - addr must not be empty
//   - addr must not already own another partition
func (r *PartitionRegistry) Assign(index int, addr, workerID string) error {
	if index < 0 || index >= len(r.ranges) {
		return errors.Errorf("invalid partition %d, must be in range [0, %d)", index, len(r.ranges))
	}
	if addr == "" {
		return errors.New("worker address cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for other, a := range r.assignments {
		if a.Addr == addr && other != index {
			return errors.Errorf("worker %s already owns partition %d", addr, other)
		}
	}
	r.assignments[index] = &Assignment{
		Partition: r.ranges[index],
		Addr:      addr,
		WorkerID:  workerID,
	}
	return nil
}

// AssignInOrder binds partition i to addrs[i]. The number of addresses must
// match the number of partitions.
func (r *PartitionRegistry) AssignInOrder(addrs []string) error {
	if len(addrs) != len(r.ranges) {
		return errors.Errorf("%d workers for %d partitions", len(addrs), len(r.ranges))
	}
	for i, addr := range addrs {
		if err := r.Assign(i, addr, ""); err != nil {
			return err
		}
	}
	return nil
}

// SetWorkerID records the identifier reported by the worker at addr.
func (r *PartitionRegistry) SetWorkerID(addr, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.assignments {
		if a.Addr == addr {
			a.WorkerID = workerID
		}
	}
}

// Get returns a copy of the assignment of partition index, or nil.
func (r *PartitionRegistry) Get(index int) *Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a := r.assignments[index]
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

// All returns copies of every assignment ordered by partition index.
// Unassigned partitions are skipped.
func (r *PartitionRegistry) All() []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Assignment, 0, len(r.assignments))
	for i := range r.ranges {
		if a := r.assignments[i]; a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// Addrs returns the worker addresses ordered by partition index.
func (r *PartitionRegistry) Addrs() []string {
	all := r.All()
	addrs := make([]string, len(all))
	for i, a := range all {
		addrs[i] = a.Addr
	}
	return addrs
}

// OwnerOfRow returns the assignment holding the global row.
func (r *PartitionRegistry) OwnerOfRow(row int) (*Assignment, error) {
	index := partition.Locate(r.ranges, row)
	if index < 0 {
		return nil, errors.Errorf("row %d is outside the grid", row)
	}
	a := r.Get(index)
	if a == nil {
		return nil, errors.Errorf("partition %d is not assigned to any worker", index)
	}
	return a, nil
}

// NumPartitions returns the number of partitions in the plan.
func (r *PartitionRegistry) NumPartitions() int {
	return len(r.ranges)
}

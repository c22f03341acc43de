// Package capacity picks a backend cluster for a new user from a pre-fetched
// capacity snapshot. It performs no I/O; callers own the atomic counter update
// and tolerate the small overshoot that concurrent assignments can cause.
package capacity

// ClusterCapacity is one row of the capacity snapshot.
type ClusterCapacity struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CurrentUsers int    `json:"current_users"`
	MaxUsers     int    `json:"max_users"`
}

// HasRoom reports whether the cluster is below its user limit.
func (c ClusterCapacity) HasRoom() bool {
	return c.CurrentUsers < c.MaxUsers
}

// Utilisation returns current/max as a fraction. A cluster without a limit reports 1.
func (c ClusterCapacity) Utilisation() float64 {
	if c.MaxUsers <= 0 {
		return 1
	}
	return float64(c.CurrentUsers) / float64(c.MaxUsers)
}

// SelectCluster returns the least-loaded cluster that still has room, or nil when
// the snapshot is empty or every cluster is full. Ties go to the earliest entry.
func SelectCluster(clusters []ClusterCapacity) *ClusterCapacity {
	var best *ClusterCapacity
	for i := range clusters {
		c := &clusters[i]
		if !c.HasRoom() {
			continue
		}
		if best == nil || c.CurrentUsers < best.CurrentUsers {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	selected := *best
	return &selected
}

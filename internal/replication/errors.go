package replication

import "fmt"

// ReplicationSlotMissing is returned when the named replication slot does
// not exist on the server. The caller must perform a full resync, which
// (re)creates the slot before streaming resumes.
type ReplicationSlotMissing struct {
	SlotName string
}

func (e *ReplicationSlotMissing) Error() string {
	return fmt.Sprintf("replication slot %q is missing", e.SlotName)
}

// ReplicationLagExceeded is returned when the slot's retained WAL has grown
// past the configured retention budget, meaning some history may already be
// unrecoverable. The caller must perform a full resync.
type ReplicationLagExceeded struct {
	SlotName  string
	LagBytes  int64
	MaxBytes  int64
}

func (e *ReplicationLagExceeded) Error() string {
	return fmt.Sprintf("replication slot %q lag %d bytes exceeds retention budget %d bytes", e.SlotName, e.LagBytes, e.MaxBytes)
}

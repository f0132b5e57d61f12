package freezer

// Checkpoint names handed to a table's fault hook. They bracket the
// durability-critical steps of an append so that crash tests can abort the
// operation at any of them and validate the recovery behaviour of a
// subsequent Open.
const (
	hookBeforeRotate     = "before-rotate"
	hookAfterWrite       = "after-write"
	hookBeforeDataSync   = "before-data-sync"
	hookBeforeIndexWrite = "before-index-write"
	hookBeforeIndexSync  = "before-index-sync"
)

// faultHook is invoked at the named checkpoints of durability-critical
// operations. A non-nil return aborts the operation with that error, leaving
// on-disk state exactly as a crash at the checkpoint would. The hook is nil
// in production and only ever set by test harnesses.
type faultHook func(checkpoint string) error

// checkpoint triggers the table's fault hook, if one is installed.
func (t *freezerTable) checkpoint(name string) error {
	if t.fault == nil {
		return nil
	}
	return t.fault(name)
}

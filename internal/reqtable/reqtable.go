// Package reqtable specifies the Broker's own Request-table collaborator:
// out of scope per spec.md §1 ("the Request table implementation"), but the
// Operation Adapter (§4.4) and Notification Router (§4.6) both drive it, so
// it is captured here as an interface plus a minimal in-memory
// implementation for wiring and tests.
package reqtable

import "github.com/uspbroker/core/internal/wire"

// Status mirrors the Broker Request-table row states the core transitions
// through for an async command (spec §4.4).
type Status string

const (
	StatusPending Status = "Pending"
	StatusActive  Status = "Active"
	StatusComplete Status = "Complete"
)

// Table is the Request-table collaborator contract.
type Table interface {
	// NewRow allocates a fresh Broker Request-table instance for an async
	// command, returning its instance number.
	NewRow(commandPath, commandKey string) int

	// MarkActive flips a row to Active once the Operate response confirms
	// the command has started on the Service (spec §4.4).
	MarkActive(instance int) error

	// SignalOperationComplete reports the command's outcome — either
	// outputArgs (success) or failErr (CommandFailure et al.) — and retires
	// the row.
	SignalOperationComplete(instance int, outputArgs map[string]string, failErr *wire.Error) error

	// Remove deletes a row outright (used when an async Operate fails before
	// any notification is expected: a duplicate command_key or a failed round
	// trip).
	Remove(instance int) error
}

type row struct {
	instance    int
	commandPath string
	commandKey  string
	status      Status
}

// MemTable is a minimal in-memory Table sufficient to exercise the core's
// async-operate flow end to end; a production deployment replaces it with
// the Broker's real Request-table implementation.
type MemTable struct {
	rows   map[int]*row
	nextID int

	// Completions records every (instance, outputArgs, err) handed to
	// SignalOperationComplete, in order — tests assert against this to
	// check the "one OperationComplete per ReqMap entry" invariant (spec §8).
	Completions []Completion
}

type Completion struct {
	Instance   int
	OutputArgs map[string]string
	Err        *wire.Error
}

func NewMemTable() *MemTable {
	return &MemTable{rows: make(map[int]*row)}
}

func (t *MemTable) NewRow(commandPath, commandKey string) int {
	t.nextID++
	t.rows[t.nextID] = &row{instance: t.nextID, commandPath: commandPath, commandKey: commandKey, status: StatusPending}
	return t.nextID
}

func (t *MemTable) MarkActive(instance int) error {
	r, ok := t.rows[instance]
	if !ok {
		return wire.New(wire.Internal, "request table: no row %d", instance)
	}
	r.status = StatusActive
	return nil
}

// SignalOperationComplete retires instance. Its caller (the Operation
// Adapter, the Notification Router or Failure Propagation) identifies the row
// by the RequestInstance recorded in the Service's own ReqMap; a ReqMap entry
// may carry an instance this table never allocated, so a row need not exist
// here first.
func (t *MemTable) SignalOperationComplete(instance int, outputArgs map[string]string, failErr *wire.Error) error {
	if r, ok := t.rows[instance]; ok {
		r.status = StatusComplete
		delete(t.rows, instance)
	}
	t.Completions = append(t.Completions, Completion{Instance: instance, OutputArgs: outputArgs, Err: failErr})
	return nil
}

func (t *MemTable) Remove(instance int) error {
	delete(t.rows, instance)
	return nil
}

package library

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type OperationKind string

const (
	OpCheckout            OperationKind = "checkout"
	OpReturn              OperationKind = "return"
	OpRenew               OperationKind = "renew"
	OpRestore             OperationKind = "restore"
	OpCompleteRestoration OperationKind = "complete_restoration"
	OpReportLost          OperationKind = "report_lost"
	OpSetQuantity         OperationKind = "set_quantity"
)

// Undoable reports whether Undo may write the operation's pre-state back. Returns and
// loss reports close a loan for good and are never undone.
func (k OperationKind) Undoable() bool {
	switch k {
	case OpCheckout, OpRenew, OpRestore, OpCompleteRestoration, OpSetQuantity:
		return true
	default:
		return false
	}
}

// Operation is one committed state change with snapshots of the fields it touched.
// BookBefore is nil when the book row was not touched; RecordBefore is nil when the
// operation created the record.
type Operation struct {
	ID           uuid.UUID
	Kind         OperationKind
	ActorID      int64
	At           time.Time
	BookID       int64
	BookBefore   *Book
	BookAfter    *Book
	RecordBefore *LendingRecord
	RecordAfter  *LendingRecord
}

const defaultHistoryLimit = 100

// history is a bounded stack of operations, newest last.
type history struct {
	mu    sync.Mutex
	ops   []Operation
	limit int
}

func (h *history) push(op Operation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	limit := h.limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	h.ops = append(h.ops, op)
	if len(h.ops) > limit {
		h.ops = h.ops[len(h.ops)-limit:]
	}
}

// popUndoable removes and returns the newest operation if it can be undone. A
// non-undoable operation stays on the stack and blocks everything beneath it.
func (h *history) popUndoable() (Operation, bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.ops) == 0 {
		return Operation{}, false, false
	}
	top := h.ops[len(h.ops)-1]
	if !top.Kind.Undoable() {
		return top, true, false
	}
	h.ops = h.ops[:len(h.ops)-1]
	return top, true, true
}

// clear drops every operation.
func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = nil
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ops)
}

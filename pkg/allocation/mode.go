package allocation

import "fmt"

type modeKind int

const (
	modeColender modeKind = iota
	modeDirect
)

// Mode selects how Allocate builds its working set.
//
// Colender settles the customer-facing rows and mirrors every step into the
// co-lender rows of the same installment number. Direct settles the rows it is
// given as-is; it carries the installment number it was spawned for.
type Mode struct {
	kind  modeKind
	pivot int
}

func Colender() Mode {
	return Mode{kind: modeColender}
}

func Direct(pivotInstNumber int) Mode {
	return Mode{kind: modeDirect, pivot: pivotInstNumber}
}

func (m Mode) IsColender() bool {
	return m.kind == modeColender
}

// Pivot reports the installment number of a Direct mode. ok is false for Colender.
func (m Mode) Pivot() (instNumber int, ok bool) {
	if m.kind != modeDirect {
		return 0, false
	}
	return m.pivot, true
}

func (m Mode) String() string {
	if m.kind == modeDirect {
		return fmt.Sprintf("direct(%d)", m.pivot)
	}
	return "colender"
}

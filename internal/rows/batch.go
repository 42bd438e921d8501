// Package rows holds the register-addressed row storage that flows between
// physical blocks.
package rows

import "fmt"

// RegisterID addresses one slot of a row.
type RegisterID uint32

// Batch is a fixed-width matrix of register slots: one entry per row, each row
// holding NrRegs values. Values are documents in the usual JSON model: nil,
// bool, float64, int64, string, []any and map[string]any.
type Batch struct {
	nrRegs int
	rows   [][]any
}

// NewBatch allocates a batch with capacity for nrRows rows of nrRegs registers.
// The batch starts empty; Append grows it up to any size.
func NewBatch(nrRows, nrRegs int) *Batch {
	return &Batch{nrRegs: nrRegs, rows: make([][]any, 0, nrRows)}
}

// Len is the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.rows)
}

// NrRegs is the row width.
func (b *Batch) NrRegs() int { return b.nrRegs }

// Append adds an empty row and returns its index.
func (b *Batch) Append() int {
	b.rows = append(b.rows, make([]any, b.nrRegs))
	return len(b.rows) - 1
}

func (b *Batch) Get(row int, reg RegisterID) any {
	r := b.rows[row]
	if int(reg) >= len(r) {
		return nil
	}
	return r[reg]
}

func (b *Batch) Set(row int, reg RegisterID, v any) {
	if int(reg) >= b.nrRegs {
		panic(fmt.Sprintf("rows: register %d out of range for width %d", reg, b.nrRegs))
	}
	b.rows[row][reg] = v
}

// Row returns the slots of one row. The slice aliases the batch.
func (b *Batch) Row(i int) []any { return b.rows[i] }

// Widen grows every row to n registers. Rows are only reallocated when their
// capacity is insufficient.
func (b *Batch) Widen(n int) {
	if n <= b.nrRegs {
		return
	}
	for i, r := range b.rows {
		if cap(r) >= n {
			b.rows[i] = r[:n]
			continue
		}
		grown := make([]any, n)
		copy(grown, r)
		b.rows[i] = grown
	}
	b.nrRegs = n
}

// Clear releases the given registers in every row.
func (b *Batch) Clear(regs []RegisterID) {
	if len(regs) == 0 {
		return
	}
	for _, r := range b.rows {
		for _, reg := range regs {
			if int(reg) < len(r) {
				r[reg] = nil
			}
		}
	}
}

// Truncate drops rows from index n onward.
func (b *Batch) Truncate(n int) {
	if n < len(b.rows) {
		for i := n; i < len(b.rows); i++ {
			b.rows[i] = nil
		}
		b.rows = b.rows[:n]
	}
}

// Column collects the values of one register across all rows.
func (b *Batch) Column(reg RegisterID) []any {
	out := make([]any, len(b.rows))
	for i := range b.rows {
		out[i] = b.Get(i, reg)
	}
	return out
}

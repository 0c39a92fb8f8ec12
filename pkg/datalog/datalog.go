// Package datalog captures fixed-rate control data rows in a bounded
// in-memory buffer, for tuning and diagnostics. Each row is a slice of
// int32 values; the first column is the capture time in ticks, added by the
// logger itself.
package datalog

import "github.com/bezineb5/go-lego-motion/pkg/clock"

// Logger records rows while active and silently drops them once full.
type Logger struct {
	clock *clock.Clock

	active  bool
	maxRows int
	rows    [][]int32
}

// New creates a logger stamping rows with the given clock.
func New(c *clock.Clock) *Logger {
	return &Logger{clock: c}
}

// Start clears the buffer and begins capturing up to maxRows rows.
func (l *Logger) Start(maxRows int) {
	l.active = true
	l.maxRows = maxRows
	l.rows = make([][]int32, 0, maxRows)
}

// Stop ends capturing. The captured rows remain available.
func (l *Logger) Stop() {
	l.active = false
}

// IsActive reports whether rows are being captured. Callers check this
// before assembling a row, so inactive logging costs nothing.
func (l *Logger) IsActive() bool {
	return l.active && len(l.rows) < l.maxRows
}

// AddRow records one row, prefixed with the current time in ticks.
func (l *Logger) AddRow(values ...int32) {
	if !l.IsActive() {
		return
	}
	row := make([]int32, 0, len(values)+1)
	row = append(row, int32(l.clock.NowTicks()))
	row = append(row, values...)
	l.rows = append(l.rows, row)
}

// Rows returns the captured rows.
func (l *Logger) Rows() [][]int32 {
	return l.rows
}

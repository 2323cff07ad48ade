// Package dataset defines the read surface the engine needs from the shared
// dataset owned by the controller: column names for the encoder and the row
// count. Storage and column data live on the controller side.
package dataset

import "statsengine/pkg/columns"

// Column describes one dataset column.
type Column struct {
	Name string
	Type columns.ColumnType
}

// Source is the engine's view of the currently loaded dataset. A nil Source
// means no data is loaded.
type Source interface {
	// ColumnNames returns the user-visible column names, in order.
	ColumnNames() []string
	// RowCount returns the number of rows.
	RowCount() int
	// Release drops the engine's handle on the data. Called on pause and
	// stop; the controller re-shares the data on resume.
	Release()
}

// Table is an in-memory Source, used by tests and by the console evaluation
// path when the controller shares a materialized snapshot.
type Table struct {
	Cols     []Column
	Rows     int
	released bool
}

// NewTable creates a Table over the given columns.
func NewTable(rows int, cols ...Column) *Table {
	return &Table{Cols: cols, Rows: rows}
}

// ColumnNames returns the column names, or nothing once released.
func (t *Table) ColumnNames() []string {
	if t.released {
		return nil
	}
	names := make([]string, len(t.Cols))
	for i, c := range t.Cols {
		names[i] = c.Name
	}
	return names
}

// RowCount returns the number of rows, or zero once released.
func (t *Table) RowCount() int {
	if t.released {
		return 0
	}
	return t.Rows
}

// Release drops the handle.
func (t *Table) Release() {
	t.released = true
}

// Released reports whether Release has been called.
func (t *Table) Released() bool {
	return t.released
}

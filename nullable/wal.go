package nullable

// walEntry is one override recorded while inference walks a statement: a
// WHERE-clause predicate proved a column or an outer-joined table can no
// longer be NULL in this statement's result.
type walEntry struct {
	table    TableID
	column   ColumnID
	hasCol   bool
	nullable bool
}

// wal is an append-only log of nullability overrides, named for the
// write-ahead log it mirrors in spirit: later entries for the same
// table/column win, and nothing already pushed is ever rewritten in
// place, only shadowed by a later entry.
type wal struct {
	entries []walEntry
}

func newWal() *wal {
	return &wal{}
}

// addTable records that every column of table is/isn't null-producing as
// a whole, e.g. because it sits on the nullable side of an outer join.
func (w *wal) addTable(table TableID, nullable bool) {
	w.entries = append(w.entries, walEntry{table: table, nullable: nullable})
}

// addColumn records that one specific column was proven not-null (or
// null) by a WHERE-clause predicate.
func (w *wal) addColumn(table TableID, column ColumnID, nullable bool) {
	w.entries = append(w.entries, walEntry{table: table, column: column, hasCol: true, nullable: nullable})
}

// nullableForColumn returns the most recent column-level override for
// (table, column), if any.
func (w *wal) nullableForColumn(table TableID, column ColumnID) (bool, bool) {
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if e.hasCol && e.table == table && e.column == column {
			return e.nullable, true
		}
	}
	return false, false
}

// nullableForTable returns the most recent table-level override for
// table, if any.
func (w *wal) nullableForTable(table TableID) (bool, bool) {
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if !e.hasCol && e.table == table {
			return e.nullable, true
		}
	}
	return false, false
}

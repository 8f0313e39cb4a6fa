package samplebuf

// Snapshot is a copy of buffered rows, oldest-first. It shares no memory with the buffer.
type Snapshot struct {
	Rows       [][]float64
	Timestamps []float64
}

// Len returns the number of rows in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Rows)
}

// ColumnMajor returns the snapshot as a channels×rows matrix, the layout consumed by
// signal-processing code. Returns nil for an empty snapshot.
func (s Snapshot) ColumnMajor() [][]float64 {
	if len(s.Rows) == 0 {
		return nil
	}
	channels := len(s.Rows[0])
	out := make([][]float64, channels)
	for c := range out {
		col := make([]float64, len(s.Rows))
		for r, row := range s.Rows {
			col[r] = row[c]
		}
		out[c] = col
	}
	return out
}

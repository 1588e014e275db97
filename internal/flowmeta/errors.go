package flowmeta

import "fmt"

// LayoutError reports a field layout that cannot describe a record.
type LayoutError struct {
	Field  string
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("flowmeta: layout field %q: %s", e.Field, e.Reason)
}

// DecodeError reports a blob that does not match its layout. The whole chunk
// is rejected; there is no partial binary reassembly.
type DecodeError struct {
	Block  string // "vectors" or "stats"
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("flowmeta: %s block: %s", e.Block, e.Reason)
}

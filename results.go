package agentdb

import (
	"encoding/json"
	"sort"
	"strings"
)

// Column is one named cell of a Row.
type Column struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Row is an ordered sequence of columns returned by a query. Column names are
// stable within one QueryResult but need not be unique.
type Row struct {
	cols []Column
}

// NewRow builds a Row from cols, which it takes ownership of.
func NewRow(cols ...Column) Row {
	return Row{cols: cols}
}

// Len returns the number of columns.
func (r Row) Len() int { return len(r.cols) }

// At returns the i-th column.
func (r Row) At(i int) Column { return r.cols[i] }

// Get returns the value of the first column called name.
func (r Row) Get(name string) (Value, bool) {
	for _, c := range r.cols {
		if c.Name == name {
			return c.Value, true
		}
	}
	return Value{}, false
}

// Names returns the column names in order.
func (r Row) Names() []string {
	names := make([]string, len(r.cols))
	for i, c := range r.cols {
		names[i] = c.Name
	}
	return names
}

// Values returns the column values in order.
func (r Row) Values() []Value {
	vals := make([]Value, len(r.cols))
	for i, c := range r.cols {
		vals[i] = c.Value
	}
	return vals
}

// Columns returns a copy of the row's columns.
func (r Row) Columns() []Column {
	return append([]Column(nil), r.cols...)
}

// MarshalJSON encodes the row as an ordered array of columns.
func (r Row) MarshalJSON() ([]byte, error) {
	if r.cols == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.cols)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (r *Row) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &r.cols)
}

// UnknownTotal marks a QueryResult whose row count was not known upfront.
const UnknownTotal int64 = -1

// QueryResult is the outcome of a Query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
	// RowsAffected counts rows changed by a mutating statement.
	RowsAffected int64 `json:"rowsAffected"`
	// Total is the number of rows the backend reported upfront, or
	// UnknownTotal.
	Total int64 `json:"total"`
}

// Entry is one key/value pair returned by a scan.
type Entry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// ScanResult holds the entries matching a prefix. Truncated is set when the
// scan stopped at its limit and more matches exist; Next is then the cursor
// to pass as ScanOptions.After to continue.
type ScanResult struct {
	Entries   []Entry `json:"entries"`
	Truncated bool    `json:"truncated"`
	Next      string  `json:"next,omitempty"`
}

// Keys returns the keys of the scanned entries in order.
func (s *ScanResult) Keys() []string {
	keys := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		keys[i] = e.Key
	}
	return keys
}

// ScanOptions controls one page of a prefix scan.
type ScanOptions struct {
	// After excludes every key less than or equal to it. Empty starts at the
	// first match.
	After string
	// Limit caps the number of entries returned. Zero or negative means
	// unlimited.
	Limit int
}

// Match reports whether key belongs to the page described by prefix and opts,
// ignoring the limit.
func (o ScanOptions) Match(prefix, key string) bool {
	return strings.HasPrefix(key, prefix) && (o.After == "" || key > o.After)
}

// PageEntries is the helper drivers use when they gather candidate entries
// themselves: it keeps the keys matching prefix and opts, sorts them in
// ascending byte order and applies the limit. The input slice is reused.
func PageEntries(entries []Entry, prefix string, opts ScanOptions) *ScanResult {
	kept := entries[:0]
	for _, e := range entries {
		if opts.Match(prefix, e.Key) {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Key < kept[j].Key })
	return Paginate(kept, opts.Limit)
}

// Paginate cuts entries that are already filtered and sorted at limit.
func Paginate(entries []Entry, limit int) *ScanResult {
	res := &ScanResult{Entries: entries}
	if limit > 0 && len(entries) > limit {
		res.Entries = entries[:limit:limit]
		res.Truncated = true
		res.Next = res.Entries[limit-1].Key
	}
	if res.Entries == nil {
		res.Entries = []Entry{}
	}
	return res
}

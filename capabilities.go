package agentdb

import "maps"

// BackendFamily groups backends by their native data model.
type BackendFamily uint8

const (
	FamilyOther BackendFamily = iota
	FamilySQL
	FamilyKeyValue
	FamilyGraph
)

func (f BackendFamily) String() string {
	switch f {
	case FamilySQL:
		return "SQL"
	case FamilyKeyValue:
		return "KeyValue"
	case FamilyGraph:
		return "Graph"
	}
	return "Other"
}

// Well-known feature names.
const (
	FeatureSQL                = "sql"
	FeatureGraphQueries       = "graph_queries"
	FeatureDirectories        = "directories"
	FeatureTTL                = "ttl"
	FeatureNestedTransactions = "nested_transactions"
	// FeatureNativePrefixScan is set when the engine can seek to a prefix
	// instead of scanning every key.
	FeatureNativePrefixScan = "native_prefix_scan"
)

// Capabilities is an immutable snapshot of what a backend instance supports.
// It is computed once when the backend is constructed and is safe to read
// from any number of goroutines.
type Capabilities struct {
	family       BackendFamily
	transactions bool
	indexes      bool
	maxKeySize   int
	maxValueSize int
	features     map[string]bool
}

// CapabilityOption configures NewCapabilities.
type CapabilityOption func(*Capabilities)

// WithTransactions marks the backend as able to begin transactions.
func WithTransactions() CapabilityOption {
	return func(c *Capabilities) { c.transactions = true }
}

// WithIndexes marks the backend as maintaining secondary indexes.
func WithIndexes() CapabilityOption {
	return func(c *Capabilities) { c.indexes = true }
}

// WithFeature records a backend-specific flag.
func WithFeature(name string, enabled bool) CapabilityOption {
	return func(c *Capabilities) { c.features[name] = enabled }
}

// WithMaxKeySize limits keys to n bytes. Zero means unlimited.
func WithMaxKeySize(n int) CapabilityOption {
	return func(c *Capabilities) { c.maxKeySize = n }
}

// WithMaxValueSize limits encoded values to n bytes. Zero means unlimited.
func WithMaxValueSize(n int) CapabilityOption {
	return func(c *Capabilities) { c.maxValueSize = n }
}

// NewCapabilities builds a capability snapshot.
func NewCapabilities(family BackendFamily, opts ...CapabilityOption) Capabilities {
	c := Capabilities{family: family, features: make(map[string]bool)}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c Capabilities) SupportsTransactions() bool { return c.transactions }

func (c Capabilities) SupportsIndexes() bool { return c.indexes }

func (c Capabilities) Family() BackendFamily { return c.family }

// Feature reports the named flag. known is false when the backend never
// declared it.
func (c Capabilities) Feature(name string) (enabled, known bool) {
	enabled, known = c.features[name]
	return enabled, known
}

// Has reports whether the named flag is declared and enabled.
func (c Capabilities) Has(name string) bool {
	return c.features[name]
}

// Features returns a copy of all declared flags.
func (c Capabilities) Features() map[string]bool {
	return maps.Clone(c.features)
}

// MaxKeySize returns the key size limit in bytes, 0 if unlimited.
func (c Capabilities) MaxKeySize() int { return c.maxKeySize }

// MaxValueSize returns the encoded value size limit in bytes, 0 if unlimited.
func (c Capabilities) MaxValueSize() int { return c.maxValueSize }

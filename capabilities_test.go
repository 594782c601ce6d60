package agentdb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nuln/agentdb"
)

func TestCapabilities(t *testing.T) {
	caps := agentdb.NewCapabilities(agentdb.FamilySQL,
		agentdb.WithTransactions(),
		agentdb.WithFeature(agentdb.FeatureSQL, true),
		agentdb.WithFeature(agentdb.FeatureTTL, false),
		agentdb.WithMaxKeySize(64),
	)
	assert.Equal(t, agentdb.FamilySQL, caps.Family())
	assert.Equal(t, "SQL", caps.Family().String())
	assert.True(t, caps.SupportsTransactions())
	assert.False(t, caps.SupportsIndexes())
	assert.True(t, caps.Has(agentdb.FeatureSQL))
	assert.Equal(t, 64, caps.MaxKeySize())
	assert.Zero(t, caps.MaxValueSize())

	enabled, known := caps.Feature(agentdb.FeatureTTL)
	assert.False(t, enabled)
	assert.True(t, known)

	_, known = caps.Feature("vector_search")
	assert.False(t, known)
}

func TestCapabilities_FeaturesIsACopy(t *testing.T) {
	caps := agentdb.NewCapabilities(agentdb.FamilyKeyValue, agentdb.WithFeature(agentdb.FeatureSQL, false))
	f := caps.Features()
	f[agentdb.FeatureSQL] = true
	assert.False(t, caps.Has(agentdb.FeatureSQL))
}

func TestPageEntries(t *testing.T) {
	entries := []agentdb.Entry{
		{Key: "b:2"}, {Key: "a:1"}, {Key: "b:1"}, {Key: "b:3"}, {Key: "b"},
	}
	res := agentdb.PageEntries(entries, "b:", agentdb.ScanOptions{Limit: 2})
	assert.Equal(t, []string{"b:1", "b:2"}, res.Keys())
	assert.True(t, res.Truncated)
	assert.Equal(t, "b:2", res.Next)

	res = agentdb.PageEntries([]agentdb.Entry{{Key: "b:1"}, {Key: "b:2"}, {Key: "b:3"}}, "b:", agentdb.ScanOptions{After: "b:2", Limit: 2})
	assert.Equal(t, []string{"b:3"}, res.Keys())
	assert.False(t, res.Truncated)
	assert.Empty(t, res.Next)

	res = agentdb.PageEntries(nil, "x", agentdb.ScanOptions{})
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)
}

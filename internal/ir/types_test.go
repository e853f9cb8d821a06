package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleInstanceKey_RoundTrip(t *testing.T) {
	k := Key("cart", "main")
	assert.Equal(t, "cart#main", k.String())

	parsed, err := ParseKey("cart#main")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "cart", "#main", "cart#"} {
		_, err := ParseKey(s)
		assert.Error(t, err, s)
	}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, PriorityUrgent, PriorityLow.Higher(PriorityUrgent))
	assert.Equal(t, PriorityUrgent, PriorityUrgent.Higher(PriorityLow))
	assert.Equal(t, "low", PriorityLow.String())

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("soon")
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	k := Key("cart", "main")
	assert.Equal(t, TopicKey("module:cart#main"), ModuleTopic(k))
	assert.Equal(t, TopicKey("cart#main::total"), SelectorTopic(k, "total"))
}

func TestTraitKind(t *testing.T) {
	assert.Equal(t, "computed", TraitKind(Computed{Path: "x"}))
	assert.Equal(t, "link", TraitKind(Link{Path: "x", From: "y"}))
	assert.Equal(t, "externalStore", TraitKind(ExternalStore{Path: "x"}))
	assert.Equal(t, "list", TraitKind(List{Path: "items"}))
}

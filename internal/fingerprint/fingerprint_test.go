package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogue_IDsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for _, p := range Catalogue {
		_, dup := seen[p.ID]
		assert.False(t, dup, "duplicate profile id %q", p.ID)
		seen[p.ID] = struct{}{}
		assert.NotEmpty(t, p.UserAgent)
	}
}

func TestByID_Found(t *testing.T) {
	p, ok := ByID("Chrome-131")
	assert.True(t, ok)
	assert.Equal(t, "Chrome-131", p.ID)
}

func TestByID_NotFound(t *testing.T) {
	_, ok := ByID("Netscape-4")
	assert.False(t, ok)
}

func TestSubset_EmptyReturnsFullCatalogue(t *testing.T) {
	assert.Equal(t, Catalogue, Subset(nil))
}

func TestSubset_FiltersAndPreservesOrder(t *testing.T) {
	got := Subset([]string{"Firefox-133", "Chrome-131"})
	assert.Len(t, got, 2)
	assert.Equal(t, "Chrome-131", got[0].ID)
	assert.Equal(t, "Firefox-133", got[1].ID)
}

func TestSubset_AllUnknownFallsBackToCatalogue(t *testing.T) {
	assert.Equal(t, Catalogue, Subset([]string{"Netscape-4"}))
}

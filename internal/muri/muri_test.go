package muri

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoin(t *testing.T) {
	assert.Equal(t, "a/b", Join("a", "b"))
	assert.Equal(t, "b/c", Join("", "b", "c"))
	assert.Equal(t, "a/./id", PushAttribute("a", "id"))
	assert.Equal(t, "a/b/.", PushAttributeFolder("a/b"))
}

func TestSplitJoinRoundTrip(t *testing.T) {
	paths := []string{
		"urn:part",
		"urn:part/urn:category",
		"urn:part/urn:category/.",
		"urn:part/urn:category/./name",
		"a/b/c/d",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			segs := Split(p)
			assert.Equal(t, segs, Split(Join(segs[0], segs[1:]...)))
			assert.Equal(t, segs, Split(Join("", segs...)))
		})
	}
}

func TestDecomposition(t *testing.T) {
	p := "entity-a/entity-b/./created_at"
	assert.Equal(t, "created_at", Basename(p))
	assert.Equal(t, 4, Depth(p))
	assert.Equal(t, "entity-a/entity-b/.", Parent(p))
	assert.True(t, IsAttribute(p))
	assert.False(t, IsAttributeFolder(p))
	assert.Equal(t, "entity-a/entity-b", NotFolder(p))
	assert.Equal(t, "entity-b", DeepestURN(p))
	assert.Equal(t, "entity-b/./created_at", PopRoot(p))

	folder := "entity-a/entity-b/."
	assert.True(t, IsAttributeFolder(folder))
	assert.False(t, IsAttribute(folder))
	assert.Equal(t, "entity-a/entity-b", NotFolder(folder))
	assert.Equal(t, "entity-b", DeepestURN(folder))

	assert.Equal(t, "entity-b", DeepestURN("entity-a/entity-b"))
}

func TestDepthOne(t *testing.T) {
	for _, p := range []string{"a", "urn:dupe:part"} {
		assert.Equal(t, "", Parent(p))
		assert.Empty(t, Ancestors(p))
		assert.Equal(t, 1, Depth(p))
		assert.Equal(t, "", PopRoot(p))
	}
}

func TestIsDrillable(t *testing.T) {
	cases := map[string]bool{
		"a":       false,
		"a/b":     true,
		"a/b/c":   true,
		"a/.":     false,
		"a/./id":  false,
		"a/b/.":   false,
		"a/b/./x": false,
	}
	for p, want := range cases {
		t.Run(p, func(t *testing.T) {
			assert.Equal(t, want, IsDrillable(p))
			assert.Equal(t, Depth(p) > 1 && !IsAttribute(p) && !IsAttributeFolder(p), IsDrillable(p))
		})
	}
}

func TestAncestry(t *testing.T) {
	assert.Equal(t, []string{"a/b", "a"}, Ancestors("a/b/c"))
	assert.True(t, IsDescendantOf("a/b/c", "a/b"))
	assert.True(t, IsDescendantOf("a/b", "a/b"))
	assert.False(t, IsDescendantOf("a/bc", "a/b"))
	assert.True(t, IsAncestorOf("a", "a/b/./id"))
	assert.False(t, IsAncestorOf("a/b", "a"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("urn:part"))
	assert.True(t, Valid("urn:part/urn:category/./name"))
	assert.True(t, Valid("urn:part/."))
	assert.False(t, Valid(""))
	assert.False(t, Valid("./name"))
	assert.False(t, Valid("a//b"))
	assert.False(t, Valid("a/./b/c"))
	assert.False(t, Valid("a/./."))
	assert.False(t, Valid("a b"))
}

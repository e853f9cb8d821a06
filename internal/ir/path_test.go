package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a.b.c", []string{"a", "b", "c"}},
		{"items.2.name", []string{"items", "2", "name"}},
		{"items[].children", []string{"items", "[]", "children"}},
		{"grid[][]", []string{"grid", "[]", "[]"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePath(tt.path))
			if tt.want != nil {
				assert.Equal(t, tt.path, JoinPath(tt.want))
			}
		})
	}
}

func TestGetPath(t *testing.T) {
	root := Object{
		"profile": Object{"name": String("ada")},
		"items":   Array{Object{"id": Int(1)}, Object{"id": Int(2)}},
	}

	v, ok := GetPath(root, "profile.name")
	require.True(t, ok)
	assert.Equal(t, String("ada"), v)

	v, ok = GetPath(root, "items.1.id")
	require.True(t, ok)
	assert.Equal(t, Int(2), v)

	_, ok = GetPath(root, "items.5.id")
	assert.False(t, ok)

	_, ok = GetPath(root, "profile.name.first")
	assert.False(t, ok, "cannot descend into a leaf")

	v, ok = GetPath(root, "")
	require.True(t, ok)
	assert.True(t, Same(root, v))
}

func TestSetPath_StructuralSharing(t *testing.T) {
	profile := Object{"name": String("ada")}
	items := Array{Object{"id": Int(1)}}
	root := Object{"profile": profile, "items": items, "count": Int(1)}

	updated, err := SetPath(root, "profile.name", String("grace"))
	require.NoError(t, err)

	out := updated.(Object)
	assert.Equal(t, String("grace"), out["profile"].(Object)["name"])
	assert.Equal(t, String("ada"), profile["name"], "original is untouched")
	assert.False(t, Same(root, out), "root is copied")
	assert.False(t, Same(profile, out["profile"]), "containers on the path are copied")
	assert.True(t, Same(items, out["items"]), "siblings are shared")
}

func TestSetPath_ArrayItem(t *testing.T) {
	root := Object{"items": Array{Object{"id": Int(1)}, Object{"id": Int(2)}}}

	updated, err := SetPath(root, "items.1.id", Int(20))
	require.NoError(t, err)

	got, _ := GetPath(updated, "items.1.id")
	assert.Equal(t, Int(20), got)
	orig, _ := GetPath(root, "items.1.id")
	assert.Equal(t, Int(2), orig)

	first, _ := GetPath(root, "items.0")
	firstAfter, _ := GetPath(updated, "items.0")
	assert.True(t, Same(first, firstAfter))
}

func TestSetPath_Append(t *testing.T) {
	root := Object{"items": Array{Int(1)}}
	updated, err := SetPath(root, "items.1", Int(2))
	require.NoError(t, err)

	got, _ := GetPath(updated, "items")
	assert.Equal(t, Array{Int(1), Int(2)}, got)
}

func TestSetPath_CreatesIntermediateObjects(t *testing.T) {
	updated, err := SetPath(Object{}, "a.b.c", Bool(true))
	require.NoError(t, err)
	assert.Equal(t, Object{"a": Object{"b": Object{"c": Bool(true)}}}, updated)
}

func TestSetPath_Errors(t *testing.T) {
	root := Object{"count": Int(1), "items": Array{}}

	_, err := SetPath(root, "count.x", Int(2))
	assert.Error(t, err)

	_, err = SetPath(root, "items.3", Int(2))
	assert.Error(t, err)

	_, err = SetPath(root, "items[].x", Int(2))
	assert.Error(t, err)
}

func TestContainerPath(t *testing.T) {
	assert.Equal(t, "items", ContainerPath("items.3.name"))
	assert.Equal(t, "items", ContainerPath("items[].name"))
	assert.Equal(t, "profile.name", ContainerPath("profile.name"))
	assert.Equal(t, "", ContainerPath("0.name"))
}

func TestPathOverlaps(t *testing.T) {
	assert.True(t, PathOverlaps("a", "a"))
	assert.True(t, PathOverlaps("a", "a.b"))
	assert.True(t, PathOverlaps("a.b", "a"))
	assert.True(t, PathOverlaps("", "x"))
	assert.False(t, PathOverlaps("a", "ab"))
	assert.False(t, PathOverlaps("a.b", "a.c"))
}

func TestPathCovers(t *testing.T) {
	assert.True(t, PathCovers("a", "a.b"))
	assert.False(t, PathCovers("a.b", "a"))
	assert.True(t, PathCovers("", "a"))
}

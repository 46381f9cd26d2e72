// Package muri implements the path grammar used to address nodes of a model
// graph.
//
// A path is a "/" separated list of urns. Each urn after the first is an
// entity reached through a relation of the previous one. The "." segment
// marks the attribute container of the entity on its left, and may be
// followed by a single attribute id:
//
//	part/category            the category related to a part
//	part/category/.          the attributes of that category
//	part/category/./name     its name attribute
//
// All functions are pure. Results on paths that were not produced by Join or
// by the tree builder are unspecified; use Valid on external input.
package muri

import (
	"regexp"
	"strings"
)

const (
	// Sep separates urn segments.
	Sep = "/"
	// AttrMarker is the attribute container segment.
	AttrMarker = "."
)

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9:_\-]+$`)

// Join joins segments onto prefix. An empty prefix does not produce a
// leading separator.
func Join(prefix string, segments ...string) string {
	if prefix == "" {
		return strings.Join(segments, Sep)
	}
	return strings.Join(append([]string{prefix}, segments...), Sep)
}

// Split returns the segments of uri.
func Split(uri string) []string {
	return strings.Split(uri, Sep)
}

// Basename returns the last segment.
func Basename(uri string) string {
	return uri[strings.LastIndex(uri, Sep)+1:]
}

// Depth is the number of segments.
func Depth(uri string) int {
	return strings.Count(uri, Sep) + 1
}

// Parent strips the last segment. The parent of a depth 1 path is "".
func Parent(uri string) string {
	i := strings.LastIndex(uri, Sep)
	if i < 0 {
		return ""
	}
	return uri[:i]
}

// IsAttribute reports whether the last segment is an attribute id under an
// attribute container.
func IsAttribute(uri string) bool {
	i := strings.LastIndex(uri, Sep)
	if i < 0 {
		return false
	}
	return Basename(uri[:i]) == AttrMarker
}

// IsAttributeFolder reports whether uri ends with the attribute container.
func IsAttributeFolder(uri string) bool {
	return Basename(uri) == AttrMarker
}

// PushAttribute addresses attribute id of the entity at uri.
func PushAttribute(uri, id string) string {
	return Join(uri, AttrMarker, id)
}

// PushAttributeFolder addresses the attribute container of the entity at uri.
func PushAttributeFolder(uri string) string {
	return Join(uri, AttrMarker)
}

// NotFolder returns the path of the entity owning uri.
func NotFolder(uri string) string {
	switch {
	case IsAttribute(uri):
		return Parent(Parent(uri))
	case IsAttributeFolder(uri):
		return Parent(uri)
	default:
		return uri
	}
}

// DeepestURN is the rightmost entity urn of uri.
func DeepestURN(uri string) string {
	return Basename(NotFolder(uri))
}

// IsDrillable reports whether uri is a relation hop that can be expanded.
func IsDrillable(uri string) bool {
	return !IsAttribute(uri) && !IsAttributeFolder(uri) && Depth(uri) > 1
}

// IsDescendantOf reports whether uri equals ancestor or lies below it.
func IsDescendantOf(uri, ancestor string) bool {
	if ancestor == "" || uri == ancestor {
		return true
	}
	return strings.HasPrefix(uri, ancestor+Sep)
}

// IsAncestorOf is IsDescendantOf with the arguments swapped.
func IsAncestorOf(uri, descendant string) bool {
	return IsDescendantOf(descendant, uri)
}

// PopRoot removes the first segment.
func PopRoot(uri string) string {
	i := strings.Index(uri, Sep)
	if i < 0 {
		return ""
	}
	return uri[i+1:]
}

// Ancestors lists every proper prefix of uri, nearest first.
func Ancestors(uri string) []string {
	var out []string
	for p := uri; Depth(p) > 1; {
		p = Parent(p)
		out = append(out, p)
	}
	return out
}

// Valid reports whether uri is well formed: non-empty segments, the
// attribute container used at most once and only in the last two
// positions, and never as the first segment.
func Valid(uri string) bool {
	segs := Split(uri)
	markers := 0
	for i, s := range segs {
		if s == AttrMarker {
			markers++
			if i == 0 || i < len(segs)-2 || markers > 1 {
				return false
			}
			continue
		}
		if !segmentRe.MatchString(s) {
			return false
		}
	}
	return true
}

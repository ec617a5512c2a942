// Package region implements the identity and visibility model: it converts
// an observed set of annotated DOM nodes into exactly one active context,
// deterministically.
//
// The package is pure — an Observation in, an ActiveContext out, no side
// effects. Live pages are observed by the shim's browser adapter; tests and
// offline tooling build Observations from static HTML via region/htmldom.
package region

import (
	"strings"

	"github.com/hazyhaar/domlink/protocol"
)

// Annotation attribute names. Authors tag regions with AttrRegion (the kind),
// AttrType (the stable type identifier); the shim stamps AttrInstance with a
// short random token on first observation so re-renders of the same logical
// region do not spawn a new instance.
const (
	AttrRegion   = "data-agent-region"
	AttrType     = "data-agent-type"
	AttrInstance = "data-agent-instance"
	AttrField    = "data-agent-field"
	AttrAction   = "data-agent-action"
	AttrItem     = "data-agent-item"
)

// ReservedTypePrefix marks type identifiers belonging to auxiliary agent
// surfaces. Views carrying it never become the active view.
const ReservedTypePrefix = "agent:"

// Info carries the observed facts about one annotated node. Path is the
// child-index path from the document root; document order is the
// lexicographic order of paths and containment is a prefix test, so the
// model never holds node references.
type Info struct {
	Kind       protocol.RegionKind
	TypeID     string
	InstanceID string
	Visible    bool
	ZIndex     int
	Path       []int
	Locator    string // CSS locator of the region root
}

// Ref returns the protocol reference for this region.
func (i Info) Ref() protocol.RegionRef {
	return protocol.RegionRef{TypeID: i.TypeID, InstanceID: i.InstanceID}
}

// Contains reports whether the node at path lies inside this region's
// subtree (the region root itself counts as contained).
func (i Info) Contains(path []int) bool {
	return isPrefix(i.Path, path)
}

// Focus describes the document's currently focused element.
type Focus struct {
	Locator string // CSS-addressable locator, empty when nothing is focused
	Path    []int
}

// Observation is one consistent reading of the annotated page state.
type Observation struct {
	URL     string
	Regions []Info
	Focus   Focus
}

// isPrefix reports whether a is a prefix of b.
func isPrefix(a, b []int) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// docBefore reports whether path a precedes path b in document order.
func docBefore(a, b []int) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	// An ancestor precedes its descendants.
	return len(a) < len(b)
}

// topmost selects the region with the highest stack order; ties break to the
// later document position. Returns nil when candidates is empty.
func topmost(candidates []Info) *Info {
	var best *Info
	for idx := range candidates {
		c := &candidates[idx]
		switch {
		case best == nil:
			best = c
		case c.ZIndex > best.ZIndex:
			best = c
		case c.ZIndex == best.ZIndex && docBefore(best.Path, c.Path):
			best = c
		}
	}
	return best
}

// reserved reports whether the type identifier names an auxiliary agent
// surface.
func reserved(typeID string) bool {
	return strings.HasPrefix(typeID, ReservedTypePrefix)
}

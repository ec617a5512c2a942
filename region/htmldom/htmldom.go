// Package htmldom builds a region.Observation from static HTML.
//
// It powers tests and offline inspection of annotated markup; the live path
// goes through the shim's browser adapter instead. Visibility follows the
// static signals only: the hidden attribute, inline display:none and
// visibility:hidden, and aria-hidden="true", each inherited by descendants.
// Zero-area collapse needs layout and only the live agent can see it. Stack
// order comes from inline z-index. The element carrying the autofocus
// attribute is treated as the focused element.
package htmldom

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domlink/idgen"
	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
)

// Parse reads an HTML document and returns the observation it describes.
// Regions missing an instance attribute are assigned one, mirroring the
// shim's first-observation stamping.
func Parse(src, url string) (region.Observation, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return region.Observation{}, fmt.Errorf("htmldom: parse: %w", err)
	}
	return Build(root, url), nil
}

// Build walks a parsed document and collects annotated regions and focus.
func Build(root *html.Node, url string) region.Observation {
	b := &builder{obs: region.Observation{URL: url}}
	b.walk(root, nil, true)
	return b.obs
}

type builder struct {
	obs region.Observation
}

func (b *builder) walk(n *html.Node, path []int, visible bool) {
	if n.Type == html.ElementNode {
		visible = visible && elementVisible(n)

		if kind := attr(n, region.AttrRegion); kind != "" {
			inst := attr(n, region.AttrInstance)
			if inst == "" {
				inst = idgen.Instance()
			}
			b.obs.Regions = append(b.obs.Regions, region.Info{
				Kind:       protocol.RegionKind(kind),
				TypeID:     attr(n, region.AttrType),
				InstanceID: inst,
				Visible:    visible,
				ZIndex:     zIndex(n),
				Path:       append([]int(nil), path...),
				Locator:    locator(n, inst),
			})
		}

		if hasAttr(n, "autofocus") {
			b.obs.Focus = region.Focus{
				Locator: locator(n, attr(n, region.AttrInstance)),
				Path:    append([]int(nil), path...),
			}
		}
	}

	idx := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		b.walk(c, append(path, idx), visible)
		idx++
	}
}

func elementVisible(n *html.Node) bool {
	if hasAttr(n, "hidden") {
		return false
	}
	if strings.EqualFold(attr(n, "aria-hidden"), "true") {
		return false
	}
	style := attr(n, "style")
	if styleHas(style, "display", "none") || styleHas(style, "visibility", "hidden") {
		return false
	}
	return true
}

func zIndex(n *html.Node) int {
	for _, decl := range strings.Split(attr(n, "style"), ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok || strings.TrimSpace(name) != "z-index" {
			continue
		}
		if z, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return z
		}
	}
	return 0
}

func styleHas(style, prop, value string) bool {
	for _, decl := range strings.Split(style, ";") {
		name, v, ok := strings.Cut(decl, ":")
		if ok && strings.TrimSpace(name) == prop && strings.TrimSpace(v) == value {
			return true
		}
	}
	return false
}

// locator produces a CSS-addressable locator for an element: id first, then
// name, then the stamped instance attribute.
func locator(n *html.Node, inst string) string {
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	if name := attr(n, "name"); name != "" {
		return fmt.Sprintf("%s[name=%s]", n.Data, name)
	}
	if inst != "" {
		return fmt.Sprintf("[%s=%q]", region.AttrInstance, inst)
	}
	return n.Data
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

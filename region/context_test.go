package region_test

import (
	"reflect"
	"testing"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
)

func mk(kind protocol.RegionKind, typeID, inst string, visible bool, z int, path ...int) region.Info {
	return region.Info{
		Kind:       kind,
		TypeID:     typeID,
		InstanceID: inst,
		Visible:    visible,
		ZIndex:     z,
		Path:       path,
		Locator:    "[data-agent-instance=\"" + inst + "\"]",
	}
}

func TestComputeEmptyPage(t *testing.T) {
	ctx := region.Compute(region.Observation{URL: "https://example.test/"})
	if ctx.Route != nil || ctx.View != nil || ctx.Modal != nil || ctx.Focus != "" {
		t.Fatalf("uninstrumented page must yield the all-null context, got %+v", ctx)
	}
	if len(ctx.Panels) != 0 {
		t.Fatalf("panels: got %d, want 0", len(ctx.Panels))
	}
}

func TestComputeIsPure(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindRoute, "route:product", "r1", true, 0, 0, 0),
			mk(protocol.KindView, "view:detail", "v1", true, 0, 0, 1),
			mk(protocol.KindPanel, "panel:nav", "p1", true, 0, 0, 2),
		},
		Focus: region.Focus{Locator: "[name=email]", Path: []int{0, 1, 3}},
	}
	first := region.Compute(obs)
	for i := 0; i < 10; i++ {
		if got := region.Compute(obs); !reflect.DeepEqual(got, first) {
			t.Fatalf("iteration %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestTopmostModalByZIndex(t *testing.T) {
	// Two overlapping visible modals, z-index 5 and 10.
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindModal, "modal:confirm", "m5", true, 5, 0, 1),
			mk(protocol.KindModal, "modal:alert", "m10", true, 10, 0, 2),
		},
	}
	ctx := region.Compute(obs)
	if ctx.Modal == nil || ctx.Modal.InstanceID != "m10" {
		t.Fatalf("modal: got %+v, want m10", ctx.Modal)
	}
}

func TestModalTieBreaksToLaterDocumentPosition(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindModal, "modal:a", "ma", true, 3, 0, 1),
			mk(protocol.KindModal, "modal:b", "mb", true, 3, 0, 4),
		},
	}
	ctx := region.Compute(obs)
	if ctx.Modal == nil || ctx.Modal.InstanceID != "mb" {
		t.Fatalf("modal: got %+v, want mb (later in document)", ctx.Modal)
	}
}

func TestModalSuppressesView(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindRoute, "route:product", "r1", true, 0, 0, 0),
			mk(protocol.KindView, "view:detail", "v1", true, 100, 0, 1),
			mk(protocol.KindModal, "modal:confirm", "m1", true, 1, 0, 2),
		},
	}
	ctx := region.Compute(obs)
	if ctx.Modal == nil {
		t.Fatal("expected active modal")
	}
	if ctx.View != nil {
		t.Fatalf("modal presence must imply a null view, got %+v", ctx.View)
	}
	if ctx.Route == nil || ctx.Route.InstanceID != "r1" {
		t.Fatalf("route: got %+v", ctx.Route)
	}
}

func TestHiddenModalIgnored(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindView, "view:detail", "v1", true, 0, 0, 1),
			mk(protocol.KindModal, "modal:confirm", "m1", false, 10, 0, 2),
		},
	}
	ctx := region.Compute(obs)
	if ctx.Modal != nil {
		t.Fatalf("hidden modal must not be active, got %+v", ctx.Modal)
	}
	if ctx.View == nil || ctx.View.InstanceID != "v1" {
		t.Fatalf("view: got %+v", ctx.View)
	}
}

func TestFirstVisibleRouteWins(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindRoute, "route:b", "rb", true, 0, 0, 3),
			mk(protocol.KindRoute, "route:a", "ra", true, 0, 0, 1),
			mk(protocol.KindRoute, "route:hidden", "rh", false, 0, 0, 0),
		},
	}
	ctx := region.Compute(obs)
	if ctx.Route == nil || ctx.Route.InstanceID != "ra" {
		t.Fatalf("route: got %+v, want ra (first visible in document order)", ctx.Route)
	}
}

func TestReservedViewTypesExcluded(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindView, "agent:chat", "va", true, 50, 0, 0),
			mk(protocol.KindView, "view:detail", "v1", true, 0, 0, 1),
		},
	}
	ctx := region.Compute(obs)
	if ctx.View == nil || ctx.View.InstanceID != "v1" {
		t.Fatalf("view: got %+v, want v1 (agent: surfaces are never active)", ctx.View)
	}
}

func TestFocusOnlyCountsInsideActiveModal(t *testing.T) {
	modal := mk(protocol.KindModal, "modal:confirm", "m1", true, 1, 0, 2)
	view := mk(protocol.KindView, "view:detail", "v1", true, 0, 0, 1)

	// Focus inside the modal subtree.
	obs := region.Observation{
		Regions: []region.Info{view, modal},
		Focus:   region.Focus{Locator: "[name=confirm]", Path: []int{0, 2, 0, 1}},
	}
	if got := region.Compute(obs).Focus; got != "[name=confirm]" {
		t.Fatalf("focus: got %q, want [name=confirm]", got)
	}

	// Focus outside the modal (inside the view) while a modal is active.
	obs.Focus = region.Focus{Locator: "[name=email]", Path: []int{0, 1, 0}}
	if got := region.Compute(obs).Focus; got != "" {
		t.Fatalf("focus outside the active modal must be null, got %q", got)
	}
}

func TestFocusInsideActiveView(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindView, "view:detail", "v1", true, 0, 0, 1),
		},
		Focus: region.Focus{Locator: "[name=email]", Path: []int{0, 1, 2}},
	}
	if got := region.Compute(obs).Focus; got != "[name=email]" {
		t.Fatalf("focus: got %q", got)
	}

	// Focused element outside any active region yields null focus.
	obs.Focus = region.Focus{Locator: "[name=stray]", Path: []int{0, 9}}
	if got := region.Compute(obs).Focus; got != "" {
		t.Fatalf("stray focus must be null, got %q", got)
	}
}

func TestPanelsAlwaysReported(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindModal, "modal:confirm", "m1", true, 1, 0, 3),
			mk(protocol.KindPanel, "panel:toolbar", "p2", true, 0, 0, 2),
			mk(protocol.KindPanel, "panel:nav", "p1", true, 0, 0, 0),
			mk(protocol.KindPanel, "panel:hidden", "p3", false, 0, 0, 1),
		},
	}
	ctx := region.Compute(obs)
	want := []protocol.RegionRef{
		{TypeID: "panel:nav", InstanceID: "p1"},
		{TypeID: "panel:toolbar", InstanceID: "p2"},
	}
	if !reflect.DeepEqual(ctx.Panels, want) {
		t.Fatalf("panels: got %+v, want %+v", ctx.Panels, want)
	}
}

func TestResolveExplicitInstance(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindView, "view:detail", "v1", true, 0, 0, 1),
			mk(protocol.KindModal, "modal:confirm", "m1", false, 0, 0, 2),
		},
	}
	// An explicit instance resolves even when hidden — the caller addressed
	// that exact node.
	info, ok := region.Resolve(obs, protocol.Target{InstanceID: "m1"})
	if !ok || info.InstanceID != "m1" {
		t.Fatalf("got %+v ok=%v", info, ok)
	}

	if _, ok := region.Resolve(obs, protocol.Target{InstanceID: "nope"}); ok {
		t.Fatal("unknown instance must not resolve")
	}
}

func TestResolveTypeTopmost(t *testing.T) {
	obs := region.Observation{
		Regions: []region.Info{
			mk(protocol.KindModal, "modal:confirm", "low", true, 1, 0, 1),
			mk(protocol.KindModal, "modal:confirm", "high", true, 9, 0, 2),
			mk(protocol.KindModal, "modal:confirm", "hidden", false, 99, 0, 3),
		},
	}
	info, ok := region.Resolve(obs, protocol.Target{TypeID: "modal:confirm"})
	if !ok || info.InstanceID != "high" {
		t.Fatalf("got %+v ok=%v, want high", info, ok)
	}
}

func TestResolveImplicitModalElseView(t *testing.T) {
	view := mk(protocol.KindView, "view:detail", "v1", true, 0, 0, 1)
	modal := mk(protocol.KindModal, "modal:confirm", "m1", true, 1, 0, 2)

	obs := region.Observation{Regions: []region.Info{view, modal}}
	info, ok := region.Resolve(obs, protocol.Target{})
	if !ok || info.InstanceID != "m1" {
		t.Fatalf("implicit target with a modal open: got %+v ok=%v, want m1", info, ok)
	}

	obs = region.Observation{Regions: []region.Info{view}}
	info, ok = region.Resolve(obs, protocol.Target{})
	if !ok || info.InstanceID != "v1" {
		t.Fatalf("implicit target without a modal: got %+v ok=%v, want v1", info, ok)
	}

	if _, ok := region.Resolve(region.Observation{}, protocol.Target{}); ok {
		t.Fatal("implicit target on an empty page must not resolve")
	}
}

func TestContainsIsPrefixTest(t *testing.T) {
	i := mk(protocol.KindModal, "modal:x", "m", true, 0, 0, 2)
	if !i.Contains([]int{0, 2, 5, 1}) {
		t.Fatal("descendant path must be contained")
	}
	if !i.Contains([]int{0, 2}) {
		t.Fatal("region root must count as contained")
	}
	if i.Contains([]int{0, 20, 5}) {
		t.Fatal("sibling subtree must not be contained")
	}
}

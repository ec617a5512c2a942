package htmldom_test

import (
	"testing"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
	"github.com/hazyhaar/domlink/region/htmldom"
)

const page = `<!DOCTYPE html>
<html><body>
  <div data-agent-region="route" data-agent-type="route:product" data-agent-instance="r1">
    <main data-agent-region="view" data-agent-type="view:detail" data-agent-instance="v1">
      <input name="email" autofocus>
    </main>
    <aside data-agent-region="panel" data-agent-type="panel:nav" data-agent-instance="p1"></aside>
    <div data-agent-region="modal" data-agent-type="modal:confirm" data-agent-instance="m1"
         style="z-index: 10" hidden></div>
  </div>
</body></html>`

func TestParseCollectsRegions(t *testing.T) {
	obs, err := htmldom.Parse(page, "https://example.test/product")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs.Regions) != 4 {
		t.Fatalf("got %d regions, want 4", len(obs.Regions))
	}

	byInst := make(map[string]region.Info)
	for _, i := range obs.Regions {
		byInst[i.InstanceID] = i
	}

	if m := byInst["m1"]; m.Visible {
		t.Fatal("hidden modal must be invisible")
	}
	if m := byInst["m1"]; m.ZIndex != 10 {
		t.Fatalf("modal z-index: got %d, want 10", m.ZIndex)
	}
	if v := byInst["v1"]; !v.Visible || v.Kind != protocol.KindView {
		t.Fatalf("view: %+v", v)
	}
	if obs.Focus.Locator != "input[name=email]" {
		t.Fatalf("focus locator: got %q", obs.Focus.Locator)
	}
}

func TestParseThenCompute(t *testing.T) {
	obs, err := htmldom.Parse(page, "https://example.test/product")
	if err != nil {
		t.Fatal(err)
	}
	ctx := region.Compute(obs)
	if ctx.Modal != nil {
		t.Fatalf("hidden modal must not be active: %+v", ctx.Modal)
	}
	if ctx.Route == nil || ctx.Route.TypeID != "route:product" {
		t.Fatalf("route: %+v", ctx.Route)
	}
	if ctx.View == nil || ctx.View.TypeID != "view:detail" {
		t.Fatalf("view: %+v", ctx.View)
	}
	if ctx.Focus != "input[name=email]" {
		t.Fatalf("focus: got %q", ctx.Focus)
	}
	if len(ctx.Panels) != 1 || ctx.Panels[0].TypeID != "panel:nav" {
		t.Fatalf("panels: %+v", ctx.Panels)
	}
}

func TestVisibilityInherited(t *testing.T) {
	src := `<div style="display: none">
	  <div data-agent-region="view" data-agent-type="view:x" data-agent-instance="v1"></div>
	</div>`
	obs, err := htmldom.Parse(src, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs.Regions) != 1 {
		t.Fatalf("got %d regions", len(obs.Regions))
	}
	if obs.Regions[0].Visible {
		t.Fatal("region inside display:none ancestor must be invisible")
	}
}

func TestAriaHiddenExcludes(t *testing.T) {
	src := `<div data-agent-region="modal" data-agent-type="modal:x" data-agent-instance="m1" aria-hidden="true"></div>`
	obs, err := htmldom.Parse(src, "")
	if err != nil {
		t.Fatal(err)
	}
	if obs.Regions[0].Visible {
		t.Fatal("aria-hidden region must be invisible")
	}
}

func TestMissingInstanceStamped(t *testing.T) {
	src := `<div data-agent-region="view" data-agent-type="view:x"></div>`
	obs, err := htmldom.Parse(src, "")
	if err != nil {
		t.Fatal(err)
	}
	if obs.Regions[0].InstanceID == "" {
		t.Fatal("missing instance id must be assigned")
	}
	if len(obs.Regions[0].InstanceID) != 8 {
		t.Fatalf("instance id length: got %d, want 8", len(obs.Regions[0].InstanceID))
	}
}

func TestOverlappingModalsPreferHigherZIndex(t *testing.T) {
	src := `
	  <div data-agent-region="modal" data-agent-type="modal:a" data-agent-instance="m5" style="z-index: 5"></div>
	  <div data-agent-region="modal" data-agent-type="modal:b" data-agent-instance="m10" style="z-index: 10"></div>`
	obs, err := htmldom.Parse(src, "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := region.Compute(obs)
	if ctx.Modal == nil || ctx.Modal.InstanceID != "m10" {
		t.Fatalf("modal: %+v, want m10", ctx.Modal)
	}
}

package region

import "github.com/hazyhaar/domlink/protocol"

// Compute derives the single active context from an observation. It is a
// pure function: repeated invocation over the same observation yields an
// identical result.
//
// Precedence: a visible modal dominates views, which dominate plain
// focus-without-region. A modal owns all interaction while open, so modal
// presence always implies a null active view. A page with no annotated
// nodes yields the all-null context, which is valid, not an error.
func Compute(obs Observation) protocol.ActiveContext {
	ctx := protocol.ActiveContext{Panels: []protocol.RegionRef{}}

	// 1. Active modal: topmost visible modal, ties to later document position.
	modal := topmost(collect(obs.Regions, func(i Info) bool {
		return i.Kind == protocol.KindModal && i.Visible
	}))
	if modal != nil {
		r := modal.Ref()
		ctx.Modal = &r
	}

	// 2. Active route: first visible route in document order. Several
	// visible routes is a caller error; document order wins.
	var route *Info
	for idx := range obs.Regions {
		i := &obs.Regions[idx]
		if i.Kind != protocol.KindRoute || !i.Visible {
			continue
		}
		if route == nil || docBefore(i.Path, route.Path) {
			route = i
		}
	}
	if route != nil {
		r := route.Ref()
		ctx.Route = &r
	}

	// 3. Active view: suppressed entirely while a modal is active. Otherwise
	// the topmost visible view, excluding views inside the active modal and
	// reserved auxiliary surfaces.
	var view *Info
	if modal == nil {
		view = topmost(collect(obs.Regions, func(i Info) bool {
			return i.Kind == protocol.KindView && i.Visible && !reserved(i.TypeID)
		}))
		if view != nil {
			r := view.Ref()
			ctx.View = &r
		}
	}

	// 4. Focus counts only inside the active modal (when one exists) or the
	// active view (otherwise).
	if obs.Focus.Locator != "" {
		switch {
		case modal != nil:
			if modal.Contains(obs.Focus.Path) {
				ctx.Focus = obs.Focus.Locator
			}
		case view != nil:
			if view.Contains(obs.Focus.Path) {
				ctx.Focus = obs.Focus.Locator
			}
		}
	}

	// 5. Panels are always reported, regardless of modal/view state.
	for _, i := range obs.Regions {
		if i.Kind == protocol.KindPanel && i.Visible {
			ctx.Panels = append(ctx.Panels, i.Ref())
		}
	}
	sortPanels(ctx.Panels, obs)

	return ctx
}

// Resolve finds the region a command target addresses. Resolution order:
// explicit instance identifier, then explicit type identifier with the
// visibility/topmost tie-break, then the implicit active modal-else-view.
// The boolean is false when nothing matches.
func Resolve(obs Observation, target protocol.Target) (Info, bool) {
	if target.InstanceID != "" {
		for _, i := range obs.Regions {
			if i.InstanceID == target.InstanceID {
				return i, true
			}
		}
		return Info{}, false
	}

	if target.TypeID != "" {
		best := topmost(collect(obs.Regions, func(i Info) bool {
			return i.TypeID == target.TypeID && i.Visible
		}))
		if best == nil {
			return Info{}, false
		}
		return *best, true
	}

	// Implicit: current active modal, else active view.
	ctx := Compute(obs)
	if ctx.Modal != nil {
		return byInstance(obs, ctx.Modal.InstanceID)
	}
	if ctx.View != nil {
		return byInstance(obs, ctx.View.InstanceID)
	}
	return Info{}, false
}

func byInstance(obs Observation, id string) (Info, bool) {
	for _, i := range obs.Regions {
		if i.InstanceID == id {
			return i, true
		}
	}
	return Info{}, false
}

func collect(regions []Info, keep func(Info) bool) []Info {
	var out []Info
	for _, i := range regions {
		if keep(i) {
			out = append(out, i)
		}
	}
	return out
}

// sortPanels orders panel refs by their region's document position so the
// reported list is stable across recomputations.
func sortPanels(panels []protocol.RegionRef, obs Observation) {
	pos := func(ref protocol.RegionRef) []int {
		for _, i := range obs.Regions {
			if i.InstanceID == ref.InstanceID {
				return i.Path
			}
		}
		return nil
	}
	for a := 1; a < len(panels); a++ {
		for b := a; b > 0 && docBefore(pos(panels[b]), pos(panels[b-1])); b-- {
			panels[b], panels[b-1] = panels[b-1], panels[b]
		}
	}
}

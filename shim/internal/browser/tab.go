package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/domlink/idgen"
	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
)

//go:embed agent.js
var agentJS string

const bindingName = "__domlink_binding"

// Signal is one raw record from the page agent. The emit pipeline owns all
// batching and interpretation; the tab only parses and forwards.
type Signal struct {
	Op       string `json:"op"` // structural | focus | field | click | visibility | need_ids
	Locator  string `json:"locator"`
	Label    string `json:"label"`
	Value    string `json:"value"`
	OldValue string `json:"old_value"`
	Action   string `json:"action"`
	Item     string `json:"item"`
}

// Tab wraps a Rod page with the injected page agent and the CDP-backed
// primitives command handlers run on.
type Tab struct {
	page    *rod.Page
	mgr     *Manager
	handler func(Signal)
}

// OpenTab creates a tab, navigates to pageURL, and injects the page agent.
// handler receives every raw signal the agent reports.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string, handler func(Signal)) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{page: page, mgr: mgr, handler: handler}

	err = proto.RuntimeAddBinding{Name: bindingName}.Call(page)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	go t.listenBinding(ctx)

	// Re-inject the agent after every full navigation; SPA route changes
	// keep the existing one alive.
	go page.Context(ctx).EachEvent(func(*proto.PageLoadEventFired) {
		if err := t.inject(ctx); err != nil {
			mgr.cfg.Logger.Warn("browser: reinject agent", "error", err)
		}
	})()

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	if err := t.inject(ctx); err != nil {
		page.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tab) inject(ctx context.Context) error {
	if err := t.seedIDs(ctx, 64); err != nil {
		return err
	}
	if _, err := t.page.Context(ctx).Eval(agentJS); err != nil {
		return fmt.Errorf("browser: inject agent: %w", err)
	}
	return nil
}

// seedIDs pushes freshly generated instance tokens into the page's pool so
// the agent never invents identifiers itself.
func (t *Tab) seedIDs(ctx context.Context, n int) error {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = idgen.Instance()
	}
	payload, _ := json.Marshal(ids)
	js := fmt.Sprintf(
		`window.__domlink_ids = (window.__domlink_ids || []).concat(%s);`, payload)
	if _, err := t.page.Context(ctx).Eval(js); err != nil {
		return fmt.Errorf("browser: seed ids: %w", err)
	}
	return nil
}

func (t *Tab) listenBinding(ctx context.Context) {
	t.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var signals []Signal
		if err := json.Unmarshal([]byte(e.Payload), &signals); err != nil {
			t.mgr.cfg.Logger.Warn("browser: parse binding payload", "error", err)
			return
		}
		for _, sig := range signals {
			if sig.Op == "need_ids" {
				if err := t.seedIDs(ctx, 64); err != nil {
					t.mgr.cfg.Logger.Warn("browser: refill ids", "error", err)
				}
				continue
			}
			if t.handler != nil {
				t.handler(sig)
			}
		}
	})()
}

// observationWire mirrors the JSON shape produced by the agent's collect().
type observationWire struct {
	URL     string `json:"url"`
	Regions []struct {
		Kind       string `json:"kind"`
		TypeID     string `json:"type_id"`
		InstanceID string `json:"instance_id"`
		Visible    bool   `json:"visible"`
		ZIndex     int    `json:"z_index"`
		Path       []int  `json:"path"`
		Locator    string `json:"locator"`
	} `json:"regions"`
	Focus *struct {
		Locator string `json:"locator"`
		Path    []int  `json:"path"`
	} `json:"focus"`
}

// Collect reads one consistent observation of the annotated page state.
func (t *Tab) Collect(ctx context.Context) (*region.Observation, error) {
	res, err := t.page.Context(ctx).Eval(`() => JSON.stringify(window.__domlink.collect())`)
	if err != nil {
		return nil, fmt.Errorf("browser: collect: %w", err)
	}
	var wire observationWire
	if err := json.Unmarshal([]byte(res.Value.Str()), &wire); err != nil {
		return nil, fmt.Errorf("browser: parse observation: %w", err)
	}

	obs := &region.Observation{URL: wire.URL}
	for _, r := range wire.Regions {
		obs.Regions = append(obs.Regions, region.Info{
			Kind:       protocolKind(r.Kind),
			TypeID:     r.TypeID,
			InstanceID: r.InstanceID,
			Visible:    r.Visible,
			ZIndex:     r.ZIndex,
			Path:       r.Path,
			Locator:    r.Locator,
		})
	}
	if wire.Focus != nil {
		obs.Focus = region.Focus{Locator: wire.Focus.Locator, Path: wire.Focus.Path}
	}
	return obs, nil
}

// Navigate loads a new URL in the tab.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate: %w", err)
	}
	return nil
}

// ErrNoElement marks a selector that matched nothing.
var ErrNoElement = errors.New("element not found")

// evalOn runs fn against the first element matching selector. The script
// body sees it as `el` and must return a JSON-stringifiable value.
func (t *Tab) evalOn(ctx context.Context, selector, fn string) (*proto.RuntimeRemoteObject, error) {
	js := fmt.Sprintf(`(sel) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('no element: ' + sel);
		return (%s)(el);
	}`, fn)
	res, err := t.page.Context(ctx).Eval(js, selector)
	if err != nil {
		if strings.Contains(err.Error(), "no element") {
			return nil, fmt.Errorf("browser: %w: %s", ErrNoElement, selector)
		}
		return nil, fmt.Errorf("browser: eval on %s: %w", selector, err)
	}
	return res, nil
}

func protocolKind(kind string) protocol.RegionKind {
	k := protocol.RegionKind(kind)
	if !k.Valid() {
		return ""
	}
	return k
}

// Focus moves keyboard focus to the element.
func (t *Tab) Focus(ctx context.Context, selector string) error {
	_, err := t.evalOn(ctx, selector, `(el) => { el.focus(); return true; }`)
	return err
}

// ActiveFocus returns the locator of the currently focused element, or "".
func (t *Tab) ActiveFocus(ctx context.Context) (string, error) {
	res, err := t.page.Context(ctx).Eval(`() => {
		const el = document.activeElement;
		if (!el || el === document.body || el === document.documentElement) return '';
		if (el.id) return '#' + CSS.escape(el.id);
		const name = el.getAttribute('name');
		if (name) return el.tagName.toLowerCase() + '[name="' + CSS.escape(name) + '"]';
		if (el.hasAttribute('data-agent-instance')) {
			return '[data-agent-instance="' + el.getAttribute('data-agent-instance') + '"]';
		}
		return el.tagName.toLowerCase();
	}`)
	if err != nil {
		return "", fmt.Errorf("browser: active focus: %w", err)
	}
	return res.Value.Str(), nil
}

// Click dispatches a click on the element.
func (t *Tab) Click(ctx context.Context, selector string) error {
	_, err := t.evalOn(ctx, selector, `(el) => { el.click(); return true; }`)
	return err
}

// Type focuses the element and types text, optionally replacing the current
// value. Input events fire so the page's own listeners, and the agent's,
// observe the change.
func (t *Tab) Type(ctx context.Context, selector, text string, replace bool) error {
	payload, _ := json.Marshal(text)
	fn := fmt.Sprintf(`(el) => {
		el.focus();
		const text = %s;
		if (%v) el.value = '';
		el.value = el.value + text;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	}`, payload, replace)
	_, err := t.evalOn(ctx, selector, fn)
	return err
}

// Scroll scrolls the element (or the document when selector is empty) to the
// given offsets. Nil offsets leave that axis alone.
func (t *Tab) Scroll(ctx context.Context, selector string, top, left *float64) error {
	opts := map[string]any{"behavior": "instant"}
	if top != nil {
		opts["top"] = *top
	}
	if left != nil {
		opts["left"] = *left
	}
	payload, _ := json.Marshal(opts)
	if selector == "" {
		_, err := t.page.Context(ctx).Eval(fmt.Sprintf(`() => { window.scrollTo(%s); return true; }`, payload))
		return err
	}
	_, err := t.evalOn(ctx, selector, fmt.Sprintf(`(el) => { el.scrollTo(%s); return true; }`, payload))
	return err
}

// ShowModal makes a modal region visible: <dialog> via showModal, anything
// else by clearing hidden/aria-hidden. Background content is marked inert so
// assistive tech and focus stay inside the modal.
func (t *Tab) ShowModal(ctx context.Context, selector string) error {
	_, err := t.evalOn(ctx, selector, `(el) => {
		if (typeof el.showModal === 'function' && !el.open) {
			el.showModal();
		} else {
			el.hidden = false;
			el.removeAttribute('aria-hidden');
		}
		for (const sib of document.body.children) {
			if (sib !== el && !sib.contains(el)) {
				sib.setAttribute('inert', '');
				sib.setAttribute('aria-hidden', 'true');
			}
		}
		const f = el.querySelector('[autofocus], input, select, textarea, button, [tabindex]');
		if (f) f.focus();
		return true;
	}`)
	return err
}

// CloseModal hides a modal region and lifts the background inert state.
func (t *Tab) CloseModal(ctx context.Context, selector string) error {
	_, err := t.evalOn(ctx, selector, `(el) => {
		if (typeof el.close === 'function' && el.open) {
			el.close();
		} else {
			el.hidden = true;
			el.setAttribute('aria-hidden', 'true');
		}
		for (const sib of document.body.children) {
			sib.removeAttribute('inert');
			if (sib.getAttribute('aria-hidden') === 'true' && sib !== el) {
				sib.removeAttribute('aria-hidden');
			}
		}
		return true;
	}`)
	return err
}

// PanelOpen reports whether a panel region is currently visible.
func (t *Tab) PanelOpen(ctx context.Context, selector string) (bool, error) {
	res, err := t.evalOn(ctx, selector, `(el) => {
		if (el.hidden || el.getAttribute('aria-hidden') === 'true') return false;
		const cs = getComputedStyle(el);
		return cs.display !== 'none' && cs.visibility !== 'hidden';
	}`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// SetPanelOpen shows or hides a panel region.
func (t *Tab) SetPanelOpen(ctx context.Context, selector string, open bool) error {
	fn := `(el) => { el.hidden = true; el.setAttribute('aria-hidden', 'true'); return true; }`
	if open {
		fn = `(el) => { el.hidden = false; el.removeAttribute('aria-hidden'); return true; }`
	}
	_, err := t.evalOn(ctx, selector, fn)
	return err
}

// VisibleMatch reports whether selector matches at least one visible element.
func (t *Tab) VisibleMatch(ctx context.Context, selector string) (bool, error) {
	payload, _ := json.Marshal(selector)
	res, err := t.page.Context(ctx).Eval(fmt.Sprintf(`() => {
		for (const el of document.querySelectorAll(%s)) {
			let visible = true;
			for (let n = el; n && n.nodeType === 1; n = n.parentElement) {
				if (n.hidden || n.getAttribute('aria-hidden') === 'true') { visible = false; break; }
				const cs = getComputedStyle(n);
				if (cs.display === 'none' || cs.visibility === 'hidden') { visible = false; break; }
			}
			if (visible) return true;
		}
		return false;
	}`, payload))
	if err != nil {
		return false, fmt.Errorf("browser: visible match: %w", err)
	}
	return res.Value.Bool(), nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}

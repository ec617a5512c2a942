package exec

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
)

func (e *Engine) navigate(ctx context.Context, cmd protocol.Command) error {
	u, err := url.Parse(cmd.Params.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("exec: navigate: invalid url %q", cmd.Params.URL)
	}
	return e.page.Navigate(ctx, cmd.Params.URL)
}

func (e *Engine) focus(ctx context.Context, cmd protocol.Command) error {
	_, sel, err := e.resolve(ctx, cmd.Target)
	if err != nil {
		return err
	}
	return e.page.Focus(ctx, sel)
}

// modalOpen makes the target modal visible and records the focus to restore
// on close. Opening an already open modal is a no-op success.
func (e *Engine) modalOpen(ctx context.Context, cmd protocol.Command) error {
	info, _, err := e.resolve(ctx, cmd.Target)
	if err != nil {
		return err
	}
	if info.Kind != protocol.KindModal {
		return fmt.Errorf("%w: %s is not a modal", ErrTargetNotFound, info.TypeID)
	}
	if info.Visible {
		return nil
	}
	prev, err := e.page.ActiveFocus(ctx)
	if err != nil {
		e.opts.Logger.Warn("exec: read focus before modal", "error", err)
		prev = ""
	}
	if err := e.page.ShowModal(ctx, info.Locator); err != nil {
		return err
	}
	e.restoreFocus[info.InstanceID] = prev
	return nil
}

// modalClose hides the modal and restores the focus captured at open.
// Closing an already closed modal is a no-op success.
func (e *Engine) modalClose(ctx context.Context, cmd protocol.Command) error {
	info, _, err := e.resolve(ctx, cmd.Target)
	if err != nil {
		return err
	}
	if info.Kind != protocol.KindModal {
		return fmt.Errorf("%w: %s is not a modal", ErrTargetNotFound, info.TypeID)
	}
	if !info.Visible {
		return nil
	}
	if err := e.page.CloseModal(ctx, info.Locator); err != nil {
		return err
	}
	if prev, ok := e.restoreFocus[info.InstanceID]; ok {
		delete(e.restoreFocus, info.InstanceID)
		if prev != "" {
			if err := e.page.Focus(ctx, prev); err != nil {
				e.opts.Logger.Warn("exec: restore focus", "locator", prev, "error", err)
			}
		}
	}
	return nil
}

// panelToggle flips a panel's visibility, or forces it when params.open is
// set. Forcing the current state is a no-op success.
func (e *Engine) panelToggle(ctx context.Context, cmd protocol.Command) error {
	info, _, err := e.resolve(ctx, cmd.Target)
	if err != nil {
		return err
	}
	if info.Kind != protocol.KindPanel {
		return fmt.Errorf("%w: %s is not a panel", ErrTargetNotFound, info.TypeID)
	}
	open, err := e.page.PanelOpen(ctx, info.Locator)
	if err != nil {
		return err
	}
	want := !open
	if cmd.Params.Open != nil {
		want = *cmd.Params.Open
	}
	if want == open {
		return nil
	}
	return e.page.SetPanelOpen(ctx, info.Locator, want)
}

func (e *Engine) click(ctx context.Context, cmd protocol.Command) error {
	_, sel, err := e.resolve(ctx, cmd.Target)
	if err != nil {
		return err
	}
	return e.page.Click(ctx, sel)
}

func (e *Engine) typeText(ctx context.Context, cmd protocol.Command) error {
	_, sel, err := e.resolve(ctx, cmd.Target)
	if err != nil {
		return err
	}
	return e.page.Type(ctx, sel, cmd.Params.Text, cmd.Params.Replace)
}

func (e *Engine) scroll(ctx context.Context, cmd protocol.Command) error {
	sel := ""
	if cmd.Target != (protocol.Target{}) {
		_, s, err := e.resolve(ctx, cmd.Target)
		if err != nil {
			return err
		}
		sel = s
	}
	return e.page.Scroll(ctx, sel, cmd.Params.Top, cmd.Params.Left)
}

// waitFor polls until the target resolves to a visible element or the
// deadline passes.
func (e *Engine) waitFor(ctx context.Context, cmd protocol.Command) error {
	timeout := e.opts.WaitTimeout
	if cmd.Params.TimeoutMS > 0 {
		timeout = time.Duration(cmd.Params.TimeoutMS) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	t := time.NewTicker(e.opts.WaitPoll)
	defer t.Stop()
	for {
		ok, err := e.waitCondition(ctx, cmd.Target)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s: %+v", ErrTimeout, timeout, cmd.Target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// waitCondition reports whether the target currently resolves to something
// visible. A bare selector (no region addressing) is checked page-wide.
func (e *Engine) waitCondition(ctx context.Context, target protocol.Target) (bool, error) {
	if target.InstanceID == "" && target.TypeID == "" && target.Selector != "" {
		return e.page.VisibleMatch(ctx, target.Selector)
	}

	obs, err := e.collect(ctx)
	if err != nil {
		return false, fmt.Errorf("exec: collect: %w", err)
	}
	info, ok := region.Resolve(*obs, target)
	if !ok || !info.Visible {
		return false, nil
	}
	if target.Selector != "" {
		return e.page.VisibleMatch(ctx, info.Locator+" "+target.Selector)
	}
	return true, nil
}

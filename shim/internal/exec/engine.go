// Package exec runs relay commands against a live page. The engine resolves
// targets through the identity model, dispatches to one handler per command,
// and classifies failures so an agent can tell "not found" from "timed out"
// from "failed".
//
// Commands from a poll batch run sequentially; the engine is not safe for
// concurrent Execute calls on the same page.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
	"github.com/hazyhaar/domlink/shim/internal/browser"
)

// Classified command errors.
var (
	ErrTargetNotFound = errors.New("exec: target not found")
	ErrTimeout        = errors.New("exec: wait timed out")
)

// Page is the browser surface handlers run on. browser.Tab implements it;
// tests substitute a fake.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Focus(ctx context.Context, selector string) error
	ActiveFocus(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string, replace bool) error
	Scroll(ctx context.Context, selector string, top, left *float64) error
	ShowModal(ctx context.Context, selector string) error
	CloseModal(ctx context.Context, selector string) error
	PanelOpen(ctx context.Context, selector string) (bool, error)
	SetPanelOpen(ctx context.Context, selector string, open bool) error
	VisibleMatch(ctx context.Context, selector string) (bool, error)
}

// Options configures an Engine.
type Options struct {
	// WaitPoll is the waitFor condition poll interval. Default: 100ms.
	WaitPoll time.Duration
	// WaitTimeout is the default waitFor deadline. Default: 10s.
	WaitTimeout time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.WaitPoll <= 0 {
		o.WaitPoll = 100 * time.Millisecond
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type handler func(ctx context.Context, cmd protocol.Command) error

// Engine executes commands on one tab.
type Engine struct {
	page     Page
	collect  func(context.Context) (*region.Observation, error)
	flush    func(context.Context) uint64
	opts     Options
	handlers map[protocol.CommandName]handler

	// Focus to restore when each open modal closes, keyed by modal
	// instance ID.
	restoreFocus map[string]string
}

// New creates an Engine. collect reads the current observation; flush forces
// a snapshot pass and returns the settled state version.
func New(page Page, collect func(context.Context) (*region.Observation, error), flush func(context.Context) uint64, opts Options) *Engine {
	opts.defaults()
	e := &Engine{
		page:         page,
		collect:      collect,
		flush:        flush,
		opts:         opts,
		restoreFocus: map[string]string{},
	}
	e.handlers = map[protocol.CommandName]handler{
		protocol.CmdNavigate:    e.navigate,
		protocol.CmdFocus:       e.focus,
		protocol.CmdModalOpen:   e.modalOpen,
		protocol.CmdModalClose:  e.modalClose,
		protocol.CmdPanelToggle: e.panelToggle,
		protocol.CmdClick:       e.click,
		protocol.CmdType:        e.typeText,
		protocol.CmdScroll:      e.scroll,
		protocol.CmdWaitFor:     e.waitFor,
	}
	return e
}

// Execute runs one command and returns its result. The resulting state
// version reflects the snapshot the command's effect settled into.
func (e *Engine) Execute(ctx context.Context, cmd protocol.Command) protocol.CommandResult {
	res := protocol.CommandResult{RequestID: cmd.RequestID}

	h, ok := e.handlers[cmd.Command]
	if !ok {
		res.Error = fmt.Sprintf("unknown command %q", cmd.Command)
		res.ErrorKind = protocol.ErrKindFailed
		return res
	}

	start := time.Now()
	err := e.run(ctx, h, cmd)
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = classify(err)
		e.opts.Logger.Warn("exec: command failed",
			"command", cmd.Command, "request_id", cmd.RequestID,
			"kind", res.ErrorKind, "error", err)
	} else {
		res.OK = true
	}
	res.ResultingStateVersion = e.flush(ctx)

	e.opts.Logger.Debug("exec: command done",
		"command", cmd.Command, "request_id", cmd.RequestID,
		"ok", res.OK, "took", time.Since(start))
	return res
}

// run invokes a handler, converting a panic in the handler or a page
// primitive into a plain failure so one bad command cannot take the process
// down with it.
func (e *Engine) run(ctx context.Context, h handler, cmd protocol.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exec: handler panic: %v", r)
		}
	}()
	return h(ctx, cmd)
}

func classify(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, browser.ErrNoElement):
		return protocol.ErrKindNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrKindTimeout
	default:
		return protocol.ErrKindFailed
	}
}

// resolve finds the region a command addresses and returns the selector the
// page operation should use. An explicit selector narrows the search to
// inside the resolved region.
func (e *Engine) resolve(ctx context.Context, target protocol.Target) (region.Info, string, error) {
	obs, err := e.collect(ctx)
	if err != nil {
		return region.Info{}, "", fmt.Errorf("exec: collect: %w", err)
	}
	info, ok := region.Resolve(*obs, target)
	if !ok {
		return region.Info{}, "", fmt.Errorf("%w: %+v", ErrTargetNotFound, target)
	}
	sel := info.Locator
	if target.Selector != "" {
		sel = info.Locator + " " + target.Selector
	}
	return info, sel, nil
}

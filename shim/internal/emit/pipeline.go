// Package emit turns raw page signals into the relay-bound event stream.
// Each signal class has its own timing policy: structural churn is coalesced
// into at most one snapshot per window, focus hops are throttled, field
// keystrokes are debounced into one settled change, clicks and visibility
// pass through. Snapshot versions are allocated here and nowhere else.
package emit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
)

// maxFieldValue caps sanitised field values so a pathological page cannot
// flood the relay.
const maxFieldValue = 1024

// Options configures a Pipeline.
type Options struct {
	// ContextRef stamps every emitted event.
	ContextRef string
	// StructuralWindow coalesces DOM churn into one snapshot pass. Default: 1s.
	StructuralWindow time.Duration
	// FocusThrottle caps focus.changed frequency. Default: 200ms.
	FocusThrottle time.Duration
	// FieldDebounce waits for typing to settle. Default: 500ms.
	FieldDebounce time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.StructuralWindow <= 0 {
		o.StructuralWindow = time.Second
	}
	if o.FocusThrottle <= 0 {
		o.FocusThrottle = 200 * time.Millisecond
	}
	if o.FieldDebounce <= 0 {
		o.FieldDebounce = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type fieldSignal struct {
	locator  string
	label    string
	oldValue string
	value    string
}

type flushRequest struct {
	done chan uint64
}

// Pipeline processes one tab's signals. Create with New, feed from the tab's
// signal handler, and run Start in its own goroutine.
type Pipeline struct {
	opts      Options
	collect   func(context.Context) (*region.Observation, error)
	emit      func(protocol.Event)
	sanitizer *bluemonday.Policy

	version atomic.Uint64
	seq     atomic.Uint64

	structCh chan struct{}
	focusCh  chan string
	fieldCh  chan fieldSignal
	clickCh  chan protocol.ClickInfo
	visCh    chan bool
	resultCh chan protocol.CommandResult
	reannCh  chan struct{}
	flushCh  chan flushRequest

	// Loop-owned state.
	last    protocol.ActiveContext
	lastURL string
	started bool
	fields  map[string]fieldSignal
}

// New creates a Pipeline. collect reads the page's current observation;
// emit receives every produced event in order.
func New(opts Options, collect func(context.Context) (*region.Observation, error), emit func(protocol.Event)) *Pipeline {
	opts.defaults()
	return &Pipeline{
		opts:      opts,
		collect:   collect,
		emit:      emit,
		sanitizer: bluemonday.StrictPolicy(),
		structCh:  make(chan struct{}, 1),
		focusCh:   make(chan string, 64),
		fieldCh:   make(chan fieldSignal, 64),
		clickCh:   make(chan protocol.ClickInfo, 64),
		visCh:     make(chan bool, 8),
		resultCh:  make(chan protocol.CommandResult, 16),
		reannCh:   make(chan struct{}, 1),
		flushCh:   make(chan flushRequest),
		fields:    map[string]fieldSignal{},
	}
}

// Version returns the latest emitted snapshot version.
func (p *Pipeline) Version() uint64 { return p.version.Load() }

// Structural signals that the DOM changed. Safe from any goroutine; excess
// signals within one window collapse.
func (p *Pipeline) Structural() {
	select {
	case p.structCh <- struct{}{}:
	default:
	}
}

// FocusChanged signals a focus move. Empty locator means focus left.
func (p *Pipeline) FocusChanged(locator string) {
	select {
	case p.focusCh <- locator:
	default:
	}
}

// FieldInput signals one keystroke-level change on a tagged field.
func (p *Pipeline) FieldInput(locator, label, oldValue, value string) {
	select {
	case p.fieldCh <- fieldSignal{locator: locator, label: label, oldValue: oldValue, value: value}:
	default:
	}
}

// Clicked signals a click on an annotated element.
func (p *Pipeline) Clicked(info protocol.ClickInfo) {
	select {
	case p.clickCh <- info:
	default:
	}
}

// Visibility signals a tab visibility change.
func (p *Pipeline) Visibility(visible bool) {
	select {
	case p.visCh <- visible:
	default:
	}
}

// Result emits a cmd.result acknowledgment through the ordered stream.
func (p *Pipeline) Result(res protocol.CommandResult) {
	select {
	case p.resultCh <- res:
	default:
	}
}

// Reannounce forces the next snapshot to be emitted even if the context is
// unchanged. Used after the relay reports the context gone.
func (p *Pipeline) Reannounce() {
	select {
	case p.reannCh <- struct{}{}:
	default:
	}
}

// Flush forces an immediate snapshot pass and returns the resulting state
// version. Command handlers use it to report the version their effect
// settled into.
func (p *Pipeline) Flush(ctx context.Context) uint64 {
	req := flushRequest{done: make(chan uint64, 1)}
	select {
	case p.flushCh <- req:
	case <-ctx.Done():
		return p.version.Load()
	}
	select {
	case v := <-req.done:
		return v
	case <-ctx.Done():
		return p.version.Load()
	}
}

// Start runs the pipeline loop until ctx is cancelled. The initial snapshot
// is emitted immediately.
func (p *Pipeline) Start(ctx context.Context) {
	p.snapshot(ctx)

	var (
		structTimer *time.Timer
		structC     <-chan time.Time

		focusTimer   *time.Timer
		focusC       <-chan time.Time
		focusPending string
		focusDirty   bool

		fieldTimer *time.Timer
		fieldC     <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			p.flushFields()
			return

		case <-p.structCh:
			if structC == nil {
				structTimer = time.NewTimer(p.opts.StructuralWindow)
				structC = structTimer.C
			}

		case <-structC:
			structTimer = nil
			structC = nil
			p.snapshot(ctx)

		case loc := <-p.focusCh:
			if focusC == nil {
				// Leading emit, then a quiet interval.
				p.emitFocus(loc)
				focusTimer = time.NewTimer(p.opts.FocusThrottle)
				focusC = focusTimer.C
				focusPending = loc
				focusDirty = false
			} else {
				focusPending = loc
				focusDirty = true
			}

		case <-focusC:
			focusTimer = nil
			focusC = nil
			if focusDirty {
				p.emitFocus(focusPending)
			}

		case sig := <-p.fieldCh:
			if prev, ok := p.fields[sig.locator]; ok {
				// Keep the oldest old-value across the editing burst.
				sig.oldValue = prev.oldValue
			}
			p.fields[sig.locator] = sig
			if fieldTimer != nil {
				fieldTimer.Stop()
			}
			fieldTimer = time.NewTimer(p.opts.FieldDebounce)
			fieldC = fieldTimer.C

		case <-fieldC:
			fieldTimer = nil
			fieldC = nil
			p.flushFields()

		case info := <-p.clickCh:
			p.send(protocol.Event{Type: protocol.EventClick, Click: &info})

		case visible := <-p.visCh:
			v := visible
			p.send(protocol.Event{Type: protocol.EventTabVisibility, Visible: &v})

		case res := <-p.resultCh:
			r := res
			p.send(protocol.Event{Type: protocol.EventCommandResult, Result: &r})

		case <-p.reannCh:
			p.started = false
			p.snapshot(ctx)

		case req := <-p.flushCh:
			if structTimer != nil {
				structTimer.Stop()
				structTimer = nil
				structC = nil
			}
			p.flushFields()
			if fieldTimer != nil {
				fieldTimer.Stop()
				fieldTimer = nil
				fieldC = nil
			}
			p.snapshot(ctx)
			req.done <- p.version.Load()
		}
	}
}

// snapshot collects the page, recomputes the active context, and emits
// state.snapshot plus derived transition events when anything changed.
func (p *Pipeline) snapshot(ctx context.Context) {
	obs, err := p.collect(ctx)
	if err != nil {
		p.opts.Logger.Warn("emit: collect failed", "ref", p.opts.ContextRef, "error", err)
		return
	}
	next := region.Compute(*obs)
	if p.started && next.Equal(p.last) && obs.URL == p.lastURL {
		return
	}
	prev := p.last
	prevStarted := p.started
	p.last = next
	p.lastURL = obs.URL
	p.started = true

	v := p.version.Add(1)
	snap := protocol.Snapshot{
		Version:   v,
		Timestamp: time.Now().UnixMilli(),
		URL:       obs.URL,
		Route:     next.Route,
		View:      next.View,
		Modal:     next.Modal,
		Focus:     next.Focus,
		Panels:    next.Panels,
	}
	if snap.Panels == nil {
		snap.Panels = []protocol.RegionRef{}
	}
	p.send(protocol.Event{Type: protocol.EventStateSnapshot, Snapshot: &snap})

	if !prevStarted {
		return
	}
	if !refEqual(prev.Route, next.Route) && next.Route != nil {
		r := *next.Route
		p.send(protocol.Event{Type: protocol.EventRouteChanged, Region: &r})
	}
	switch {
	case prev.Modal == nil && next.Modal != nil:
		r := *next.Modal
		p.send(protocol.Event{Type: protocol.EventModalOpened, Region: &r})
	case prev.Modal != nil && next.Modal == nil:
		r := *prev.Modal
		p.send(protocol.Event{Type: protocol.EventModalClosed, Region: &r})
	case prev.Modal != nil && next.Modal != nil && *prev.Modal != *next.Modal:
		o, n := *prev.Modal, *next.Modal
		p.send(protocol.Event{Type: protocol.EventModalClosed, Region: &o})
		p.send(protocol.Event{Type: protocol.EventModalOpened, Region: &n})
	}
}

func (p *Pipeline) emitFocus(locator string) {
	p.send(protocol.Event{Type: protocol.EventFocusChanged, Focus: locator})
}

func (p *Pipeline) flushFields() {
	for _, sig := range p.fields {
		change := protocol.FieldChange{
			Locator:  sig.locator,
			Label:    p.sanitize(sig.label),
			OldValue: p.sanitize(sig.oldValue),
			Value:    p.sanitize(sig.value),
		}
		p.send(protocol.Event{Type: protocol.EventFieldChanged, Field: &change})
	}
	clear(p.fields)
}

func (p *Pipeline) sanitize(v string) string {
	v = p.sanitizer.Sanitize(v)
	if len(v) > maxFieldValue {
		cut := maxFieldValue
		for cut > 0 && !utf8.RuneStart(v[cut]) {
			cut--
		}
		v = v[:cut]
	}
	return v
}

func (p *Pipeline) send(ev protocol.Event) {
	ev.ContextRef = p.opts.ContextRef
	ev.Seq = p.seq.Add(1)
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	p.emit(ev)
}

func refEqual(a, b *protocol.RegionRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

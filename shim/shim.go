// Package shim runs the browser side of the relay protocol: it attaches to
// pages, injects the page agent, pushes the event stream to the relay, and
// polls for commands to execute.
//
// One Shim owns one Chrome instance; each attached page gets its own context
// reference, emit pipeline, and command engine, fully isolated from its
// siblings.
package shim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/domlink/idgen"
	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/region"
	"github.com/hazyhaar/domlink/shim/internal/browser"
	"github.com/hazyhaar/domlink/shim/internal/emit"
	"github.com/hazyhaar/domlink/shim/internal/exec"
	"github.com/hazyhaar/domlink/shim/internal/transport"
)

// Shim drives one browser against one relay.
type Shim struct {
	cfg    *Config
	mgr    *browser.Manager
	client *transport.Client
	logger *slog.Logger

	mu          sync.Mutex
	attachments []*attachment
}

// attachment is one observed page: tab, pipeline, engine, and the context
// reference binding them to the relay.
type attachment struct {
	ref      string
	tab      *browser.Tab
	pipeline *emit.Pipeline
	engine   *exec.Engine
	events   chan protocol.Event
	cancel   context.CancelFunc
}

// New creates a Shim from configuration.
func New(cfg *Config, logger *slog.Logger) *Shim {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Shim{
		cfg: cfg,
		mgr: browser.NewManager(browser.Config{
			RemoteURL: cfg.Browser.Remote,
			Headless:  cfg.Browser.Headless,
			Stealth:   cfg.Browser.Stealth,
			Logger:    logger,
		}),
		client: transport.New(cfg.Relay.URL, transport.WithLogger(logger)),
		logger: logger,
	}
}

// Start launches the browser and attaches every configured page.
func (s *Shim) Start(ctx context.Context) error {
	if _, err := s.mgr.Start(ctx); err != nil {
		return fmt.Errorf("shim: start browser: %w", err)
	}
	for _, page := range s.cfg.Pages {
		if err := s.Attach(ctx, page.URL); err != nil {
			s.logger.Error("shim: attach failed", "url", page.URL, "error", err)
		}
	}
	return nil
}

// Attach opens a tab on pageURL and starts observing it under a fresh
// context reference.
func (s *Shim) Attach(ctx context.Context, pageURL string) error {
	actx, cancel := context.WithCancel(ctx)

	a := &attachment{
		ref:    idgen.ContextRef(),
		events: make(chan protocol.Event, 256),
		cancel: cancel,
	}

	collect := func(ctx context.Context) (*region.Observation, error) {
		return a.tab.Collect(ctx)
	}
	a.pipeline = emit.New(emit.Options{
		ContextRef:       a.ref,
		StructuralWindow: s.cfg.Emit.StructuralWindow,
		FocusThrottle:    s.cfg.Emit.FocusThrottle,
		FieldDebounce:    s.cfg.Emit.FieldDebounce,
		Logger:           s.logger,
	}, collect, func(ev protocol.Event) {
		select {
		case a.events <- ev:
		default:
			s.logger.Warn("shim: event buffer full, dropping", "ref", a.ref, "type", ev.Type)
		}
	})

	tab, err := browser.OpenTab(actx, s.mgr, pageURL, func(sig browser.Signal) {
		s.dispatch(a.pipeline, sig)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("shim: open tab: %w", err)
	}
	a.tab = tab
	a.engine = exec.New(tab, collect, a.pipeline.Flush, exec.Options{Logger: s.logger})

	s.mu.Lock()
	s.attachments = append(s.attachments, a)
	s.mu.Unlock()

	go a.pipeline.Start(actx)
	go s.sendLoop(actx, a)
	go s.pollLoop(actx, a)

	s.logger.Info("shim: attached", "ref", a.ref, "url", pageURL)
	return nil
}

// dispatch routes one raw page signal into the pipeline.
func (s *Shim) dispatch(p *emit.Pipeline, sig browser.Signal) {
	switch sig.Op {
	case "structural":
		p.Structural()
	case "focus":
		p.FocusChanged(sig.Locator)
	case "field":
		p.FieldInput(sig.Locator, sig.Label, sig.OldValue, sig.Value)
	case "click":
		p.Clicked(protocol.ClickInfo{Locator: sig.Locator, Action: sig.Action, Item: sig.Item})
	case "visibility":
		p.Visibility(sig.Value == "visible")
	}
}

// sendLoop drains the attachment's event queue to the relay, preserving
// order. Small bursts are batched into one upload.
func (s *Shim) sendLoop(ctx context.Context, a *attachment) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			batch := []protocol.Event{ev}
		drain:
			for len(batch) < 32 {
				select {
				case next := <-a.events:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			if err := s.client.SendEvents(ctx, batch...); err != nil {
				s.logger.Error("shim: send events", "ref", a.ref, "count", len(batch), "error", err)
			}
		}
	}
}

// pollLoop claims and executes commands. A relay that forgot the context
// triggers a re-announce so the context is rebuilt from a fresh snapshot.
func (s *Shim) pollLoop(ctx context.Context, a *attachment) {
	t := time.NewTicker(s.cfg.Relay.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cmds, err := s.client.Claim(ctx, a.ref)
			if errors.Is(err, transport.ErrContextGone) {
				s.logger.Warn("shim: relay lost context, re-announcing", "ref", a.ref)
				a.pipeline.Reannounce()
				continue
			}
			if err != nil {
				s.logger.Error("shim: claim", "ref", a.ref, "error", err)
				continue
			}
			for _, cmd := range cmds {
				res := a.engine.Execute(ctx, cmd)
				a.pipeline.Result(res)
			}
		}
	}
}

// Stop tears down all contexts on the relay, closes tabs, and shuts the
// browser down. Subscriptions are unwound in reverse attach order.
func (s *Shim) Stop(ctx context.Context) {
	s.mu.Lock()
	attachments := s.attachments
	s.attachments = nil
	s.mu.Unlock()

	for i := len(attachments) - 1; i >= 0; i-- {
		a := attachments[i]
		if err := s.client.Destroy(ctx, a.ref); err != nil {
			s.logger.Warn("shim: destroy context", "ref", a.ref, "error", err)
		}
		a.cancel()
		if err := a.tab.Close(); err != nil {
			s.logger.Warn("shim: close tab", "ref", a.ref, "error", err)
		}
		s.logger.Info("shim: detached", "ref", a.ref)
	}
	s.mgr.Close()
}

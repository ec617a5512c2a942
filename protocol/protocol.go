// Package protocol defines the wire messages exchanged between the page
// agent shim and the relay: events, commands, command results, and the
// versioned state snapshots an agent client reads.
//
// The protocol mandates structured messages with these fields; it does not
// mandate route paths or a transport. Idempotency (the request ID), not
// exactly-once delivery, is the correctness mechanism.
package protocol

import "fmt"

// RegionKind classifies an annotated region of the page.
type RegionKind string

const (
	KindRoute RegionKind = "route" // top-level page or screen
	KindView  RegionKind = "view"  // primary content area within a route
	KindPanel RegionKind = "panel" // persistent auxiliary region (sidebar, toolbar)
	KindModal RegionKind = "modal" // overlay dialog
)

// Valid reports whether k is one of the four region kinds.
func (k RegionKind) Valid() bool {
	switch k {
	case KindRoute, KindView, KindPanel, KindModal:
		return true
	}
	return false
}

// RegionRef addresses one live region instance.
//
// TypeID is the stable author-assigned identifier (e.g. "route:product") and
// never changes. InstanceID is an opaque token stamped onto the node the
// first time the shim observes it; it is unique per live DOM node and never
// reused while that node stays connected.
type RegionRef struct {
	TypeID     string `json:"type_id"`
	InstanceID string `json:"instance_id"`
}

func (r RegionRef) String() string {
	return fmt.Sprintf("%s#%s", r.TypeID, r.InstanceID)
}

// ActiveContext is the single computed answer to "what is the user looking
// at". It is a pure function of current DOM state and is never partially
// updated. A page with no annotated nodes yields the zero value — a valid
// context, not an error.
type ActiveContext struct {
	Route  *RegionRef  `json:"route"`
	View   *RegionRef  `json:"view"`
	Modal  *RegionRef  `json:"modal"`
	Focus  string      `json:"focus,omitempty"` // CSS locator, empty when nothing relevant is focused
	Panels []RegionRef `json:"panels"`
}

// Equal reports whether two contexts describe the same state.
func (c ActiveContext) Equal(o ActiveContext) bool {
	if !refEqual(c.Route, o.Route) || !refEqual(c.View, o.View) || !refEqual(c.Modal, o.Modal) {
		return false
	}
	if c.Focus != o.Focus || len(c.Panels) != len(o.Panels) {
		return false
	}
	for i := range c.Panels {
		if c.Panels[i] != o.Panels[i] {
			return false
		}
	}
	return true
}

func refEqual(a, b *RegionRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Snapshot is an immutable, versioned record of the Active Context at a
// point in time. Version increases by exactly 1 per emitted snapshot within
// a context reference and resets only across a page reload.
type Snapshot struct {
	Version   uint64      `json:"version"`
	Timestamp int64       `json:"timestamp"` // milliseconds since epoch
	URL       string      `json:"url"`
	Route     *RegionRef  `json:"route"`
	View      *RegionRef  `json:"view"`
	Modal     *RegionRef  `json:"modal"`
	Focus     string      `json:"focus,omitempty"`
	Panels    []RegionRef `json:"panels"`
}

// Context returns the ActiveContext embedded in the snapshot.
func (s Snapshot) Context() ActiveContext {
	return ActiveContext{Route: s.Route, View: s.View, Modal: s.Modal, Focus: s.Focus, Panels: s.Panels}
}

// EventType identifies an event class in the shim → relay direction.
type EventType string

const (
	EventStateSnapshot EventType = "state.snapshot"
	EventFocusChanged  EventType = "focus.changed"
	EventFieldChanged  EventType = "field.changed"
	EventClick         EventType = "click"
	EventRouteChanged  EventType = "route.changed"
	EventModalOpened   EventType = "modal.opened"
	EventModalClosed   EventType = "modal.closed"
	EventTabVisibility EventType = "tab.visibility"
	EventCommandResult EventType = "cmd.result"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStateSnapshot, EventFocusChanged, EventFieldChanged, EventClick,
		EventRouteChanged, EventModalOpened, EventModalClosed,
		EventTabVisibility, EventCommandResult:
		return true
	}
	return false
}

// Event is the shim → relay message envelope. Seq orders events within one
// context on the shim's logical channel; redelivery at the transport layer
// may still duplicate, which the relay tolerates.
type Event struct {
	ContextRef string         `json:"context_ref"`
	Type       EventType      `json:"type"`
	Timestamp  int64          `json:"timestamp"` // milliseconds since epoch
	Seq        uint64         `json:"seq"`
	Snapshot   *Snapshot      `json:"snapshot,omitempty"` // state.snapshot
	Field      *FieldChange   `json:"field,omitempty"`    // field.changed
	Click      *ClickInfo     `json:"click,omitempty"`    // click
	Focus      string         `json:"focus,omitempty"`    // focus.changed
	Region     *RegionRef     `json:"region,omitempty"`   // route.changed, modal.opened/closed
	Visible    *bool          `json:"visible,omitempty"`  // tab.visibility
	Result     *CommandResult `json:"result,omitempty"`   // cmd.result
}

// FieldChange reports a settled value change on an agent-visible field.
// Values are sanitised before emission; untagged fields never produce one.
type FieldChange struct {
	Locator  string `json:"locator"`
	Label    string `json:"label,omitempty"`
	OldValue string `json:"old_value"`
	Value    string `json:"value"`
}

// ClickInfo reports a click on an annotated element. Untagged clicks are
// dropped at the shim so arbitrary page structure never leaks to the agent.
type ClickInfo struct {
	Locator string `json:"locator"`
	Action  string `json:"action,omitempty"` // data-agent-action value, if any
	Item    string `json:"item,omitempty"`   // data-agent-item value, if any
}

// CommandName identifies one of the closed set of executable commands.
type CommandName string

const (
	CmdNavigate    CommandName = "navigate"
	CmdFocus       CommandName = "focus"
	CmdModalOpen   CommandName = "modal.open"
	CmdModalClose  CommandName = "modal.close"
	CmdPanelToggle CommandName = "panel.toggle"
	CmdClick       CommandName = "click"
	CmdType        CommandName = "type"
	CmdScroll      CommandName = "scroll"
	CmdWaitFor     CommandName = "waitFor"
)

// Target addresses a command. Resolution order: InstanceID, then TypeID with
// the topmost-visible tie-break, then the implicit active modal-else-view.
// Selector narrows to an element inside the resolved region.
type Target struct {
	InstanceID string `json:"instance_id,omitempty"`
	TypeID     string `json:"type_id,omitempty"`
	Selector   string `json:"selector,omitempty"`
}

// Command is the relay → shim message. RequestID is the idempotency key: a
// command with a previously seen RequestID for the same context is never
// re-executed; its stored result is returned instead.
type Command struct {
	RequestID  string        `json:"request_id"`
	Command    CommandName   `json:"command"`
	ContextRef string        `json:"context_ref,omitempty"`
	Target     Target        `json:"target"`
	Params     CommandParams `json:"params"`
}

// CommandParams carries per-command parameters; unused fields stay zero.
type CommandParams struct {
	URL       string   `json:"url,omitempty"`        // navigate
	Text      string   `json:"text,omitempty"`       // type
	Replace   bool     `json:"replace,omitempty"`    // type: clear before typing
	Top       *float64 `json:"top,omitempty"`        // scroll
	Left      *float64 `json:"left,omitempty"`       // scroll
	TimeoutMS int64    `json:"timeout_ms,omitempty"` // waitFor
	Open      *bool    `json:"open,omitempty"`       // panel.toggle: force state
}

// ErrorKind classifies a failed command so an agent can distinguish
// "not allowed" from "failed to find" from "timed out".
type ErrorKind string

const (
	ErrKindNotFound    ErrorKind = "not_found"    // unresolvable target
	ErrKindTimeout     ErrorKind = "timeout"      // waitFor deadline exceeded
	ErrKindNotAllowed  ErrorKind = "not_allowed"  // rejected by the allow-list
	ErrKindRateLimited ErrorKind = "rate_limited" // rejected by rate policy
	ErrKindExpired     ErrorKind = "expired"      // unfetched past its delivery TTL
	ErrKindFailed      ErrorKind = "failed"       // handler error or unknown command
)

// CommandResult is the shim's acknowledgment for one command. For a replayed
// RequestID the relay returns the stored result byte-identical to the first.
type CommandResult struct {
	RequestID             string    `json:"request_id"`
	OK                    bool      `json:"ok"`
	ResultingStateVersion uint64    `json:"resulting_state_version,omitempty"`
	Error                 string    `json:"error,omitempty"`
	ErrorKind             ErrorKind `json:"error_kind,omitempty"`
}

// Capability describes one region type observed within a context. This is
// metadata only — never raw page content.
type Capability struct {
	TypeID   string     `json:"type_id"`
	Kind     RegionKind `json:"kind"`
	LastSeen int64      `json:"last_seen"` // milliseconds since epoch
}

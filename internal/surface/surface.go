// Package surface describes the remote, browser-rendered system the engine
// drives. Implementations must be safe to use from one goroutine at a time,
// a surface is owned by exactly one session.
package surface

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

type Locator struct {
	Selector string `yaml:"selector" json:"selector"`
	// Frame optionally names the selector of an iframe the element lives in.
	Frame string `yaml:"frame,omitempty" json:"frame,omitempty"`
}

func (l Locator) IsZero() bool {
	return l.Selector == ""
}

func (l Locator) String() string {
	if l.Frame != "" {
		return fmt.Sprintf("%s >> %s", l.Frame, l.Selector)
	}
	return l.Selector
}

// UnmarshalYAML accepts a plain selector string as well as the full mapping.
func (l *Locator) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		l.Selector = node.Value
		l.Frame = ""
		return nil
	}
	type plain Locator
	return node.Decode((*plain)(l))
}

// Sel is shorthand for a Locator in the top level document.
func Sel(selector string) Locator {
	return Locator{Selector: selector}
}

type ActionKind int

const (
	ActionClick ActionKind = iota
	// ActionFill sets the value of an input in one step.
	ActionFill
	// ActionType enters the value key by key, used when a fill does not stick.
	ActionType
	ActionSelect
	ActionPress
)

func (k ActionKind) String() string {
	switch k {
	case ActionClick:
		return "click"
	case ActionFill:
		return "fill"
	case ActionType:
		return "type"
	case ActionSelect:
		return "select"
	case ActionPress:
		return "press"
	}
	return "unknown"
}

type Action struct {
	Kind  ActionKind
	Value string
}

func Click() Action              { return Action{Kind: ActionClick} }
func Fill(value string) Action   { return Action{Kind: ActionFill, Value: value} }
func Type(value string) Action   { return Action{Kind: ActionType, Value: value} }
func Select(value string) Action { return Action{Kind: ActionSelect, Value: value} }
func Press(key string) Action    { return Action{Kind: ActionPress, Value: key} }

// Fragment is the content of an element read from the surface.
type Fragment struct {
	HTML  string
	Text  string
	Value string
}

type TriggerKind int

const (
	// TriggerPopup opens a new window/tab.
	TriggerPopup TriggerKind = iota
	// TriggerModal opens an overlay in the same page.
	TriggerModal
)

// Trigger describes how to open a secondary context and how to tell it is ready.
type Trigger struct {
	Kind  TriggerKind
	Open  Locator
	Ready Locator
	// Close is clicked to dismiss a modal, a popup is closed directly.
	Close Locator
}

// Handle identifies a browsing context on a surface.
type Handle string

type Surface interface {
	Navigate(ctx context.Context, target string) error
	Act(ctx context.Context, loc Locator, action Action) error
	// Read returns fault.ErrNotFound when nothing matches loc.
	Read(ctx context.Context, loc Locator) (Fragment, error)
	// ReadAll returns every element matching loc, possibly none.
	ReadAll(ctx context.Context, loc Locator) ([]Fragment, error)
	Exists(ctx context.Context, loc Locator) (bool, error)
	Location(ctx context.Context) (string, error)
	// Fetch downloads target with the credentials of the active context.
	Fetch(ctx context.Context, target string) ([]byte, error)

	// OpenSecondaryContext performs the trigger and makes the new context active.
	OpenSecondaryContext(ctx context.Context, trigger Trigger) (Handle, error)
	CloseSecondaryContext(ctx context.Context, h Handle) error
	Activate(ctx context.Context, h Handle) error
	Active() Handle
	Primary() Handle

	Close() error
}

// Package traversal walks the categories and items of one platform with a
// sequence of passes, each pass extracting a subset of the item fields.
package traversal

import (
	"context"

	"reviewtrail/internal/secondary"
	"reviewtrail/internal/surface"
	"reviewtrail/internal/timeline"
)

type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	// Random opens every collected item by its id.
	Random Direction = "random"
)

// Pass is configuration, the orchestrator runs the passes of an adapter in
// order for every category.
type Pass struct {
	Name      string    `yaml:"name" json:"name"`
	Direction Direction `yaml:"direction" json:"direction"`
	Fields    []string  `yaml:"fields" json:"fields,omitempty"`
	Documents bool      `yaml:"documents" json:"documents,omitempty"`
	Events    bool      `yaml:"events" json:"events,omitempty"`
}

type Category struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	// Target is adapter specific, usually the link that opens the category.
	Target string `json:"target,omitempty"`
}

// DocumentRef points at a downloadable attachment of an item. Fingerprint is
// derived from metadata visible without downloading (size, date, version),
// an unchanged fingerprint skips the download.
type DocumentRef struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Target      string `json:"target,omitempty"`
}

type Extraction struct {
	Fields    map[string]any
	Events    []timeline.Event
	Documents []DocumentRef
}

// Adapter knows the page structure of one platform. Every method operates
// on the surface it is given, which changes when a session is recovered.
type Adapter interface {
	Name() string
	Passes() []Pass

	DiscoverCategories(ctx context.Context, s surface.Surface) ([]Category, error)
	// CollectItemIDs enters the category and lists its item ids, falling back
	// to the enclosing row of an item link when the link itself carries no id.
	CollectItemIDs(ctx context.Context, s surface.Surface, c Category) ([]string, error)
	// OpenItem opens an item directly by its id.
	OpenItem(ctx context.Context, s surface.Surface, c Category, itemID string) error
	CurrentItemID(ctx context.Context, s surface.Surface) (string, error)
	// Next follows the next or previous affordance of the open item, it
	// returns false when the affordance is absent.
	Next(ctx context.Context, s surface.Surface, direction Direction) (bool, error)
	Extract(ctx context.Context, s surface.Surface, sec *secondary.Handler, itemID string, pass Pass) (Extraction, error)
	Download(ctx context.Context, s surface.Surface, sec *secondary.Handler, itemID string, ref DocumentRef) ([]byte, error)
	ReturnToCategoryList(ctx context.Context, s surface.Surface, c Category) error
}

type DocumentStore interface {
	Save(ctx context.Context, platform, itemID, kind, name string, data []byte) error
}

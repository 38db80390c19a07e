// Package profile implements traversal.Adapter from a declarative YAML
// description of a platform's pages. Platform variants differ only in their
// profile, which combines an auth style, a navigation style and the
// secondary contexts used by fields.
package profile

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"reviewtrail/internal/session"
	"reviewtrail/internal/surface"
	"reviewtrail/internal/traversal"

	"gopkg.in/yaml.v3"
)

type Profile struct {
	Name   string              `yaml:"name"`
	Auth   session.AuthProfile `yaml:"auth"`
	Passes []traversal.Pass    `yaml:"passes"`

	Categories CategoryList `yaml:"categories"`
	Items      ItemList     `yaml:"items"`
	Navigation Navigation   `yaml:"navigation"`

	Fields    []Field    `yaml:"fields"`
	Events    *EventRows `yaml:"events"`
	Documents *DocRows   `yaml:"documents"`
}

// CategoryList is the page listing the categories (queues, folders) of a
// platform with their item counts.
type CategoryList struct {
	URL  string          `yaml:"url"`
	Row  surface.Locator `yaml:"row"`
	Name string          `yaml:"name"`
	// Count is parsed from the first integer in the matched text.
	Count string `yaml:"count"`
	Link  string `yaml:"link"`
}

// ItemList locates the items of an entered category. Each row is searched
// for Link first, the whole row text is the fallback when the link carries
// no id.
type ItemList struct {
	Row  surface.Locator `yaml:"row"`
	Link string          `yaml:"link"`
	// IDPattern extracts the id, the first submatch is used when present.
	IDPattern   string `yaml:"id_pattern"`
	IDAttribute string `yaml:"id_attribute"`

	idPattern *regexp.Regexp
}

type Navigation struct {
	// ItemURL opens an item by id, "{id}" is substituted. Items are opened
	// through the link collected from their category otherwise.
	ItemURL  string          `yaml:"item_url"`
	ItemID   surface.Locator `yaml:"item_id"`
	Next     surface.Locator `yaml:"next"`
	Previous surface.Locator `yaml:"previous"`
	// Disabled is a class that marks an affordance as absent.
	Disabled string `yaml:"disabled_class"`
	// Back returns to the category list, the list url is loaded when unset.
	Back surface.Locator `yaml:"back"`
}

type FieldKind string

const (
	FieldText  FieldKind = "text"
	FieldHTML  FieldKind = "html"
	FieldValue FieldKind = "value"
	FieldList  FieldKind = "list"
)

type Secondary struct {
	Kind    string          `yaml:"kind"`
	Open    surface.Locator `yaml:"open"`
	Ready   surface.Locator `yaml:"ready"`
	Close   surface.Locator `yaml:"close"`
	Timeout time.Duration   `yaml:"timeout"`
}

func (s Secondary) trigger() surface.Trigger {
	kind := surface.TriggerPopup
	if s.Kind == "modal" {
		kind = surface.TriggerModal
	}
	return surface.Trigger{Kind: kind, Open: s.Open, Ready: s.Ready, Close: s.Close}
}

func (s Secondary) key() string {
	return s.Kind + "|" + s.Open.String()
}

type Field struct {
	Name     string          `yaml:"name"`
	Pass     string          `yaml:"pass"`
	Locator  surface.Locator `yaml:"locator"`
	Kind     FieldKind       `yaml:"kind"`
	Pattern  string          `yaml:"pattern"`
	Required bool            `yaml:"required"`
	// Secondary is opened before the field is read, fields sharing the same
	// trigger are read within a single context.
	Secondary *Secondary `yaml:"secondary"`

	pattern *regexp.Regexp
}

type EventRows struct {
	Row          surface.Locator `yaml:"row"`
	Time         string          `yaml:"time"`
	TimeLayouts  []string        `yaml:"time_layouts"`
	Text         string          `yaml:"text"`
	Participants string          `yaml:"participants"`
	Secondary    *Secondary      `yaml:"secondary"`
}

type DocRows struct {
	Row  surface.Locator `yaml:"row"`
	Kind string          `yaml:"kind"`
	Name string          `yaml:"name"`
	Link string          `yaml:"link"`
	// Fingerprint lists the cells whose text changes with a new version.
	Fingerprint []string `yaml:"fingerprint"`
}

var ErrInvalid = errors.New("invalid profile")

func compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// Validate checks the profile and compiles its patterns.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required: %w", ErrInvalid)
	}
	if p.Auth.EntryURL == "" {
		return fmt.Errorf("%s: auth.entry_url is required: %w", p.Name, ErrInvalid)
	}
	if p.Categories.URL == "" || p.Categories.Row.IsZero() {
		return fmt.Errorf("%s: categories.url and categories.row are required: %w", p.Name, ErrInvalid)
	}
	if p.Items.Row.IsZero() {
		return fmt.Errorf("%s: items.row is required: %w", p.Name, ErrInvalid)
	}
	if len(p.Passes) == 0 {
		return fmt.Errorf("%s: at least one pass is required: %w", p.Name, ErrInvalid)
	}

	var err error
	p.Items.idPattern, err = compile(p.Items.IDPattern)
	if err != nil {
		return fmt.Errorf("%s: items.id_pattern: %w", p.Name, err)
	}

	passes := map[string]bool{}
	for i, pass := range p.Passes {
		switch pass.Direction {
		case traversal.Forward, traversal.Backward:
			if p.Navigation.Next.IsZero() && pass.Direction == traversal.Forward {
				return fmt.Errorf("%s: pass %s needs navigation.next: %w", p.Name, pass.Name, ErrInvalid)
			}
			if p.Navigation.Previous.IsZero() && pass.Direction == traversal.Backward {
				return fmt.Errorf("%s: pass %s needs navigation.previous: %w", p.Name, pass.Name, ErrInvalid)
			}
		case traversal.Random:
		case "":
			p.Passes[i].Direction = traversal.Forward
		default:
			return fmt.Errorf("%s: pass %s: unknown direction %q: %w", p.Name, pass.Name, pass.Direction, ErrInvalid)
		}
		passes[pass.Name] = true
	}

	for i := range p.Fields {
		f := &p.Fields[i]
		if f.Name == "" || f.Locator.IsZero() {
			return fmt.Errorf("%s: field %d needs a name and a locator: %w", p.Name, i, ErrInvalid)
		}
		if f.Pass != "" && !passes[f.Pass] {
			return fmt.Errorf("%s: field %s references unknown pass %s: %w", p.Name, f.Name, f.Pass, ErrInvalid)
		}
		if f.Kind == "" {
			f.Kind = FieldText
		}
		f.pattern, err = compile(f.Pattern)
		if err != nil {
			return fmt.Errorf("%s: field %s: %w", p.Name, f.Name, err)
		}
	}

	if p.Events != nil && len(p.Events.TimeLayouts) == 0 {
		p.Events.TimeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02", "02-Jan-2006", "Jan 2, 2006"}
	}
	return nil
}

func Parse(data []byte) (Profile, error) {
	var p Profile
	err := yaml.Unmarshal(data, &p)
	if err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	err = p.Validate()
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

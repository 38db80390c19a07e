package profile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/htmlutil"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/components/textutil"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/secondary"
	"reviewtrail/internal/surface"
	"reviewtrail/internal/timeline"
	"reviewtrail/internal/traversal"
)

const (
	report_adapter_item_row  = "adapter.item-row"
	report_adapter_event_row = "adapter.event-row"
	report_adapter_doc_row   = "adapter.document-row"
)

const defaultSecondaryTimeout = 20 * time.Second

type Adapter struct {
	profile    Profile
	classifier timeline.Classifier
	tel        telemetry.API

	mutex sync.Mutex
	links map[string]string
}

// New expects a validated profile, see Parse and Load.
func New(profile Profile, classifier timeline.Classifier, tel telemetry.API) *Adapter {
	assert.NotEmptyStr(profile.Name)
	assert.NotNil(tel)

	return &Adapter{
		profile:    profile,
		classifier: classifier,
		tel:        telemetry.NewScopedAPI("profile", tel),
		links:      map[string]string{},
	}
}

func (a *Adapter) Name() string {
	return a.profile.Name
}

func (a *Adapter) Passes() []traversal.Pass {
	return a.profile.Passes
}

func (a *Adapter) DiscoverCategories(ctx context.Context, s surface.Surface) ([]traversal.Category, error) {
	list := a.profile.Categories
	err := s.Navigate(ctx, list.URL)
	if err != nil {
		return nil, err
	}
	fragments, err := s.ReadAll(ctx, list.Row)
	if err != nil {
		return nil, err
	}
	location, err := s.Location(ctx)
	if err != nil {
		return nil, err
	}

	var categories []traversal.Category
	for _, r := range parseRows(fragments) {
		name := r.text(list.Name)
		if name == "" {
			continue
		}
		categories = append(categories, traversal.Category{
			Name:   name,
			Count:  parseCount(r.text(list.Count)),
			Target: resolve(location, r.href(list.Link)),
		})
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("no categories at %s: %w", list.URL, fault.ErrMalformed)
	}
	return categories, nil
}

func (a *Adapter) enterCategory(ctx context.Context, s surface.Surface, c traversal.Category) error {
	if c.Target == "" {
		return fmt.Errorf("category %s has no link: %w", c.Name, fault.ErrMalformed)
	}
	return s.Navigate(ctx, c.Target)
}

// rowID finds the id of an item row: the link href, the link text and the id
// attribute are tried in turn, then the text of the whole row.
func (a *Adapter) rowID(r row) (string, string) {
	items := a.profile.Items
	pattern := items.idPattern

	var href string
	var candidates []string
	if items.Link != "" && r.find(items.Link).Length() > 0 {
		href = r.href(items.Link)
		if pattern != nil {
			candidates = append(candidates, matchID(pattern, href))
		}
		candidates = append(candidates, matchID(pattern, r.text(items.Link)))
		if items.IDAttribute != "" {
			candidates = append(candidates, r.attr(items.Link, items.IDAttribute))
		}
	}
	if items.IDAttribute != "" {
		candidates = append(candidates, r.attr("", items.IDAttribute))
	}
	if pattern != nil {
		candidates = append(candidates, matchID(pattern, r.text("")))
	}

	for _, id := range candidates {
		if id != "" {
			return id, href
		}
	}
	return "", href
}

func (a *Adapter) CollectItemIDs(ctx context.Context, s surface.Surface, c traversal.Category) ([]string, error) {
	err := a.enterCategory(ctx, s, c)
	if err != nil {
		return nil, err
	}
	fragments, err := s.ReadAll(ctx, a.profile.Items.Row)
	if err != nil {
		return nil, err
	}
	location, err := s.Location(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for i, r := range parseRows(fragments) {
		id, href := a.rowID(r)
		if id == "" {
			a.tel.ReportWarning(report_adapter_item_row, "no id in row", c.Name, i)
			continue
		}
		if href != "" {
			a.links[id] = resolve(location, href)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *Adapter) link(id string) (string, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	link, ok := a.links[id]
	return link, ok
}

func (a *Adapter) OpenItem(ctx context.Context, s surface.Surface, c traversal.Category, itemID string) error {
	if a.profile.Navigation.ItemURL != "" {
		target := strings.ReplaceAll(a.profile.Navigation.ItemURL, "{id}", url.PathEscape(itemID))
		return s.Navigate(ctx, target)
	}

	link, ok := a.link(itemID)
	if !ok {
		_, err := a.CollectItemIDs(ctx, s, c)
		if err != nil {
			return err
		}
		link, ok = a.link(itemID)
	}
	if !ok {
		return fmt.Errorf("open %s in %s: %w", itemID, c.Name, fault.ErrNotFound)
	}
	return s.Navigate(ctx, link)
}

func (a *Adapter) CurrentItemID(ctx context.Context, s surface.Surface) (string, error) {
	nav := a.profile.Navigation
	pattern := a.profile.Items.idPattern

	if !nav.ItemID.IsZero() {
		f, err := s.Read(ctx, nav.ItemID)
		if err != nil && !errors.Is(err, fault.ErrNotFound) {
			return "", err
		}
		if id := matchID(pattern, f.Text); id != "" {
			return id, nil
		}
	}
	if pattern != nil {
		location, err := s.Location(ctx)
		if err != nil {
			return "", err
		}
		if id := matchID(pattern, location); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("current item id: %w", fault.ErrMalformed)
}

func (a *Adapter) Next(ctx context.Context, s surface.Surface, direction traversal.Direction) (bool, error) {
	loc := a.profile.Navigation.Next
	if direction == traversal.Backward {
		loc = a.profile.Navigation.Previous
	}
	if loc.IsZero() {
		return false, nil
	}

	f, err := s.Read(ctx, loc)
	if errors.Is(err, fault.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if disabled := a.profile.Navigation.Disabled; disabled != "" {
		sel, err := htmlutil.ParseFragment(f.HTML)
		if err == nil && sel.Children().First().HasClass(disabled) {
			return false, nil
		}
	}

	err = s.Act(ctx, loc, surface.Click())
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) fieldsFor(pass traversal.Pass) []Field {
	var fields []Field
	for _, f := range a.profile.Fields {
		if f.Pass == pass.Name || slices.Contains(pass.Fields, f.Name) {
			fields = append(fields, f)
		}
	}
	return fields
}

func readField(ctx context.Context, s surface.Surface, f Field) (any, error) {
	if f.Kind == FieldList {
		fragments, err := s.ReadAll(ctx, f.Locator)
		if err != nil {
			return nil, err
		}
		var values []string
		for _, fragment := range fragments {
			value := matchID(f.pattern, textutil.CollapseSpace(fragment.Text))
			if value != "" {
				values = append(values, value)
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("field %s: %w", f.Name, fault.ErrNotFound)
		}
		return values, nil
	}

	fragment, err := s.Read(ctx, f.Locator)
	if err != nil {
		return nil, err
	}
	var value string
	switch f.Kind {
	case FieldHTML:
		value = fragment.HTML
	case FieldValue:
		value = fragment.Value
	default:
		value = textutil.CollapseSpace(fragment.Text)
	}
	value = matchID(f.pattern, value)
	if value == "" {
		return nil, fmt.Errorf("field %s: %w", f.Name, fault.ErrNotFound)
	}
	return value, nil
}

// readFields reads fields into out, missing optional fields are left out.
func readFields(ctx context.Context, s surface.Surface, fields []Field, out map[string]any) error {
	for _, f := range fields {
		value, err := readField(ctx, s, f)
		if errors.Is(err, fault.ErrNotFound) && !f.Required {
			continue
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[f.Name] = value
	}
	return nil
}

func secondaryTimeout(s *Secondary) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultSecondaryTimeout
}

func (a *Adapter) Extract(ctx context.Context, s surface.Surface, sec *secondary.Handler, itemID string, pass traversal.Pass) (traversal.Extraction, error) {
	out := traversal.Extraction{Fields: map[string]any{}}

	var direct []Field
	var groups [][]Field
	groupIndex := map[string]int{}
	for _, f := range a.fieldsFor(pass) {
		if f.Secondary == nil {
			direct = append(direct, f)
			continue
		}
		i, ok := groupIndex[f.Secondary.key()]
		if !ok {
			i = len(groups)
			groupIndex[f.Secondary.key()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], f)
	}

	err := readFields(ctx, s, direct, out.Fields)
	if err != nil {
		return traversal.Extraction{}, err
	}

	for _, group := range groups {
		trigger := group[0].Secondary
		err := sec.Run(ctx, trigger.trigger(), secondaryTimeout(trigger), func(ctx context.Context, s surface.Surface) error {
			return readFields(ctx, s, group, out.Fields)
		})
		if errors.Is(err, fault.ErrNotFound) && !slices.ContainsFunc(group, func(f Field) bool { return f.Required }) {
			continue
		}
		if err != nil {
			return traversal.Extraction{}, err
		}
	}

	if pass.Events && a.profile.Events != nil {
		out.Events, err = a.readEvents(ctx, s, sec, itemID)
		if err != nil {
			return traversal.Extraction{}, err
		}
	}
	if pass.Documents && a.profile.Documents != nil {
		out.Documents, err = a.readDocuments(ctx, s, itemID)
		if err != nil {
			return traversal.Extraction{}, err
		}
	}
	return out, nil
}

func parseTime(layouts []string, text string) (time.Time, bool) {
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, text, time.UTC)
		if err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (a *Adapter) readEvents(ctx context.Context, s surface.Surface, sec *secondary.Handler, itemID string) ([]timeline.Event, error) {
	rows := a.profile.Events
	var events []timeline.Event

	read := func(ctx context.Context, s surface.Surface) error {
		fragments, err := s.ReadAll(ctx, rows.Row)
		if err != nil {
			return err
		}
		for i, r := range parseRows(fragments) {
			t, ok := parseTime(rows.TimeLayouts, r.text(rows.Time))
			if !ok {
				a.tel.ReportWarning(report_adapter_event_row, "unparsable time", itemID, i, r.text(rows.Time))
				continue
			}
			text := r.text(rows.Text)
			var participants []string
			if rows.Participants != "" {
				participants = splitNames(r.text(rows.Participants))
			} else {
				participants = a.classifier.Participants(text, nil)
			}
			events = append(events, timeline.Event{
				ItemID:       itemID,
				Time:         t,
				Category:     a.classifier.Category(text),
				Participants: participants,
				Source:       timeline.SourcePlatform,
				Text:         text,
			})
		}
		return nil
	}

	if rows.Secondary == nil {
		return events, read(ctx, s)
	}
	err := sec.Run(ctx, rows.Secondary.trigger(), secondaryTimeout(rows.Secondary), read)
	return events, err
}

func (a *Adapter) readDocuments(ctx context.Context, s surface.Surface, itemID string) ([]traversal.DocumentRef, error) {
	rows := a.profile.Documents
	fragments, err := s.ReadAll(ctx, rows.Row)
	if err != nil {
		return nil, err
	}
	location, err := s.Location(ctx)
	if err != nil {
		return nil, err
	}

	var refs []traversal.DocumentRef
	for i, r := range parseRows(fragments) {
		name := r.text(rows.Name)
		target := resolve(location, r.href(rows.Link))
		if name == "" || target == "" {
			a.tel.ReportWarning(report_adapter_doc_row, "incomplete document row", itemID, i)
			continue
		}
		kind := "document"
		if rows.Kind != "" {
			if text := r.text(rows.Kind); text != "" {
				kind = text
			}
		}

		var parts []string
		for _, selector := range rows.Fingerprint {
			if text := r.text(selector); text != "" {
				parts = append(parts, text)
			}
		}
		refs = append(refs, traversal.DocumentRef{
			Kind:        kind,
			Name:        name,
			Fingerprint: strings.Join(parts, "|"),
			Target:      target,
		})
	}
	return refs, nil
}

func (a *Adapter) Download(ctx context.Context, s surface.Surface, sec *secondary.Handler, itemID string, ref traversal.DocumentRef) ([]byte, error) {
	if ref.Target == "" {
		return nil, fmt.Errorf("document %s of %s has no link: %w", ref.Name, itemID, fault.ErrNotFound)
	}
	return s.Fetch(ctx, ref.Target)
}

func (a *Adapter) ReturnToCategoryList(ctx context.Context, s surface.Surface, c traversal.Category) error {
	back := a.profile.Navigation.Back
	if !back.IsZero() {
		found, err := s.Exists(ctx, back)
		if err != nil {
			return err
		}
		if found {
			return s.Act(ctx, back, surface.Click())
		}
	}
	if c.Target != "" {
		return s.Navigate(ctx, c.Target)
	}
	return s.Navigate(ctx, a.profile.Categories.URL)
}

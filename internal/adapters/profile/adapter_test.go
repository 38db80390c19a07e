package profile

import (
	"context"
	"testing"
	"time"

	"reviewtrail/internal/components/telemetry/telemetrytest"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/secondary"
	"reviewtrail/internal/surface"
	"reviewtrail/internal/surface/surfacetest"
	"reviewtrail/internal/timeline"
	"reviewtrail/internal/traversal"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const journalProfile = `
name: journal
auth:
  entry_url: https://journal.test/login
  login_path_prefix: /login
passes:
  - name: details
    direction: forward
  - name: people
    direction: random
    events: true
    documents: true
categories:
  url: https://journal.test/dashboard
  row: "table.queues tr"
  name: td.name
  count: td.count
  link: a
items:
  row: tr.manuscript
  link: a.open
  id_pattern: 'MS-\d+'
navigation:
  item_url: https://journal.test/ms/{id}
  item_id: "#ms-id"
  next: a.next
  previous: a.prev
  disabled_class: disabled
  back: a.back
fields:
  - name: title
    pass: details
    locator: "#title"
    required: true
  - name: status
    pass: details
    locator: "#status"
  - name: reviewers
    pass: people
    kind: list
    locator:
      selector: li.reviewer
      frame: "#people-frame"
  - name: editor
    pass: people
    locator: "#editor"
    secondary:
      kind: popup
      open: a.editor-card
      ready: "#editor"
events:
  row: table.history tr
  time: td.when
  text: td.what
  participants: td.who
documents:
  row: table.files tr
  kind: td.kind
  name: td.file a
  link: td.file a
  fingerprint: [td.size, td.date]
`

func html(s string) *surfacetest.Element {
	return &surfacetest.Element{HTML: s}
}

func text(s string) *surfacetest.Element {
	return &surfacetest.Element{Text: s}
}

type site struct {
	fake    *surfacetest.Fake
	adapter *Adapter
	tel     *telemetrytest.Recorder
}

func newSite(t *testing.T) site {
	t.Helper()
	p, err := Parse([]byte(journalProfile))
	require.NoError(t, err)

	fake := surfacetest.New()
	fake.AddPage(surfacetest.NewPage("https://journal.test/dashboard").
		Set("table.queues tr",
			html(`<tr><td class="name">Under Review</td><td class="count">(2)</td><td><a href="/queue/review">open</a></td></tr>`),
			html(`<tr><td class="name">Withdrawn</td><td class="count">0</td><td><a href="/queue/withdrawn">open</a></td></tr>`),
			html(`<tr><th>Queue</th><th>Items</th></tr>`),
		))
	fake.AddPage(surfacetest.NewPage("https://journal.test/queue/review").
		Set("tr.manuscript",
			html(`<tr class="manuscript"><td><a class="open" href="/ms/MS-1">MS-1</a></td></tr>`),
			html(`<tr class="manuscript"><td>MS-2</td><td><a class="open" href="javascript:void(0)">Open</a></td></tr>`),
			html(`<tr class="manuscript"><td>draft</td></tr>`),
		))

	next := map[string]string{"https://journal.test/ms/MS-1": "https://journal.test/ms/MS-2"}
	fake.OnAct("a.next", func(f *surfacetest.Fake, _ surface.Action) error {
		location, err := f.Location(context.Background())
		if err != nil {
			return err
		}
		return f.Goto(next[location])
	})

	fake.AddPage(surfacetest.NewPage("https://journal.test/ms/MS-1").
		Set("#ms-id", text("Manuscript MS-1")).
		Set("#title", text("  Sparse   graph\nsparsifiers ")).
		Set("a.next", html(`<a class="next" href="#">Next</a>`)).
		Set("a.back", text("Back to queue")).
		Set("#people-frame li.reviewer", text("Jane Doe"), text("Rahul Mehta")).
		Set("a.editor-card", text("Editor")).
		Set("table.history tr",
			html(`<tr><td class="when">2024-05-02 09:00</td><td class="what">Reviewer invited</td><td class="who">Jane Doe; Rahul Mehta</td></tr>`),
			html(`<tr><td class="when">2024-05-04</td><td class="what">Rahul Mehta declined to review</td><td class="who">Rahul Mehta</td></tr>`),
			html(`<tr><td class="when">soon</td><td class="what">Reminder</td></tr>`),
		).
		Set("table.files tr",
			html(`<tr><td class="kind">Manuscript</td><td class="file"><a href="/files/ms1.pdf">ms1.pdf</a></td><td class="size">120 KB</td><td class="date">2024-05-01</td></tr>`),
			html(`<tr><td class="kind">Cover letter</td><td class="file">missing</td></tr>`),
		))
	fake.OnPopup("a.editor-card", surfacetest.NewPage("https://journal.test/people/ed").
		Set("#editor", text("Ada Byron")))
	fake.AddPage(surfacetest.NewPage("https://journal.test/ms/MS-2").
		Set("#ms-id", text("Manuscript MS-2")).
		Set("a.next", html(`<a class="next disabled">Next</a>`)))
	fake.SetFile("https://journal.test/files/ms1.pdf", []byte("%PDF-1.7"))

	tel := &telemetrytest.Recorder{}
	return site{
		fake:    fake,
		adapter: New(p, timeline.NewClassifier(nil, 0.92), tel),
		tel:     tel,
	}
}

func (s site) handler() *secondary.Handler {
	return secondary.NewHandler(s.fake, s.tel, secondary.WithPollInterval(time.Millisecond))
}

func TestParseRejectsInvalidProfiles(t *testing.T) {
	_, err := Parse([]byte(`name: x`))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte(`
name: x
auth: {entry_url: https://x.test}
categories: {url: https://x.test, row: tr}
items: {row: tr}
passes: [{name: a, direction: sideways}]
`))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte(`
name: x
auth: {entry_url: https://x.test}
categories: {url: https://x.test, row: tr}
items: {row: tr}
passes: [{name: a, direction: random}]
fields: [{name: title, locator: h1, pass: b}]
`))
	require.ErrorIs(t, err, ErrInvalid)

	p, err := Parse([]byte(`
name: x
auth: {entry_url: https://x.test}
categories: {url: https://x.test, row: tr}
items: {row: tr}
navigation: {next: a.next}
passes: [{name: a}]
`))
	require.NoError(t, err)
	require.Equal(t, traversal.Forward, p.Passes[0].Direction)
}

func TestDiscoverCategories(t *testing.T) {
	s := newSite(t)

	categories, err := s.adapter.DiscoverCategories(context.Background(), s.fake)
	require.NoError(t, err)
	require.Equal(t, []traversal.Category{
		{Name: "Under Review", Count: 2, Target: "https://journal.test/queue/review"},
		{Name: "Withdrawn", Count: 0, Target: "https://journal.test/queue/withdrawn"},
	}, categories)
}

func TestCollectItemIDsFallsBackToRow(t *testing.T) {
	s := newSite(t)
	c := traversal.Category{Name: "Under Review", Count: 2, Target: "https://journal.test/queue/review"}

	ids, err := s.adapter.CollectItemIDs(context.Background(), s.fake, c)
	require.NoError(t, err)
	require.Equal(t, []string{"MS-1", "MS-2"}, ids)
	require.Len(t, s.tel.Find(telemetrytest.KindWarning, report_adapter_item_row), 1)
}

func TestNavigation(t *testing.T) {
	s := newSite(t)
	ctx := context.Background()
	c := traversal.Category{Name: "Under Review", Count: 2, Target: "https://journal.test/queue/review"}

	require.NoError(t, s.adapter.OpenItem(ctx, s.fake, c, "MS-1"))
	id, err := s.adapter.CurrentItemID(ctx, s.fake)
	require.NoError(t, err)
	require.Equal(t, "MS-1", id)

	moved, err := s.adapter.Next(ctx, s.fake, traversal.Forward)
	require.NoError(t, err)
	require.True(t, moved)
	id, err = s.adapter.CurrentItemID(ctx, s.fake)
	require.NoError(t, err)
	require.Equal(t, "MS-2", id)

	moved, err = s.adapter.Next(ctx, s.fake, traversal.Forward)
	require.NoError(t, err)
	require.False(t, moved, "disabled affordance")

	moved, err = s.adapter.Next(ctx, s.fake, traversal.Backward)
	require.NoError(t, err)
	require.False(t, moved, "absent affordance")
}

func TestExtract(t *testing.T) {
	s := newSite(t)
	ctx := context.Background()
	require.NoError(t, s.fake.Goto("https://journal.test/ms/MS-1"))

	details, err := s.adapter.Extract(ctx, s.fake, s.handler(), "MS-1", s.adapter.Passes()[0])
	require.NoError(t, err)
	require.Equal(t, map[string]any{"title": "Sparse graph sparsifiers"}, details.Fields)
	require.Empty(t, details.Events)

	people, err := s.adapter.Extract(ctx, s.fake, s.handler(), "MS-1", s.adapter.Passes()[1])
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"reviewers": []string{"Jane Doe", "Rahul Mehta"},
		"editor":    "Ada Byron",
	}, people.Fields)
	require.Zero(t, s.fake.OpenContexts())

	expectedEvents := []timeline.Event{
		{
			ItemID:       "MS-1",
			Time:         time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
			Category:     timeline.CategoryInvitation,
			Participants: []string{"Jane Doe", "Rahul Mehta"},
			Source:       timeline.SourcePlatform,
			Text:         "Reviewer invited",
		},
		{
			ItemID:       "MS-1",
			Time:         time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
			Category:     timeline.CategoryDecline,
			Participants: []string{"Rahul Mehta"},
			Source:       timeline.SourcePlatform,
			Text:         "Rahul Mehta declined to review",
		},
	}
	if diff := cmp.Diff(expectedEvents, people.Events); diff != "" {
		t.Fatal(diff)
	}
	require.Len(t, s.tel.Find(telemetrytest.KindWarning, report_adapter_event_row), 1)

	require.Equal(t, []traversal.DocumentRef{{
		Kind:        "Manuscript",
		Name:        "ms1.pdf",
		Fingerprint: "120 KB|2024-05-01",
		Target:      "https://journal.test/files/ms1.pdf",
	}}, people.Documents)

	data, err := s.adapter.Download(ctx, s.fake, s.handler(), "MS-1", people.Documents[0])
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(data))
}

func TestExtractMissingRequiredField(t *testing.T) {
	s := newSite(t)
	require.NoError(t, s.fake.Goto("https://journal.test/ms/MS-2"))

	_, err := s.adapter.Extract(context.Background(), s.fake, s.handler(), "MS-2", s.adapter.Passes()[0])
	require.ErrorIs(t, err, fault.ErrNotFound)
	require.Equal(t, fault.ClassPermanent, fault.Classify(err))
}

func TestReturnToCategoryList(t *testing.T) {
	s := newSite(t)
	ctx := context.Background()
	c := traversal.Category{Name: "Under Review", Count: 2, Target: "https://journal.test/queue/review"}

	require.NoError(t, s.fake.Goto("https://journal.test/ms/MS-1"))
	require.NoError(t, s.adapter.ReturnToCategoryList(ctx, s.fake, c))
	require.Contains(t, s.fake.Calls(), "act a.back click")

	require.NoError(t, s.fake.Goto("https://journal.test/ms/MS-2"))
	require.NoError(t, s.adapter.ReturnToCategoryList(ctx, s.fake, c))
	location, err := s.fake.Location(ctx)
	require.NoError(t, err)
	require.Equal(t, c.Target, location)
}

func TestRowLinks(t *testing.T) {
	rows := parseRows([]surface.Fragment{
		{HTML: `<tr><td class="doc"><a href=" /files/ms1.pdf ">Manuscript  file</a></td></tr>`},
		{HTML: `<a href="/ms/2?tab=details">MS-2</a>`},
		{HTML: `<tr><td class="doc"><a href="/x%zz">broken</a></td></tr>`},
	})
	require.Len(t, rows, 3)

	anchor, ok := rows[0].link("td.doc a")
	require.True(t, ok)
	require.Equal(t, "Manuscript file", anchor.Name)
	require.Equal(t, "/files/ms1.pdf", rows[0].href("td.doc a"))

	require.Equal(t, "/ms/2?tab=details", rows[1].href(""))
	_, ok = rows[1].link("span")
	require.False(t, ok)

	_, ok = rows[2].link("td.doc a")
	require.False(t, ok)
	require.Empty(t, rows[2].href("td.doc a"))
}

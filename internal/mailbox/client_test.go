package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reviewtrail/internal/components/telemetry/telemetrytest"
	"reviewtrail/internal/session"

	"github.com/stretchr/testify/require"
)

type stored struct {
	id      string
	created time.Time
	to      string
	subject string
	body    string
	html    bool
}

func (s stored) item() messageItem {
	contentType := "text/plain"
	if s.html {
		contentType = "text/html"
	}
	raw := fmt.Sprintf(
		"From: editor@journal.example\r\nTo: %s\r\nSubject: %s\r\nContent-Type: %s; charset=utf-8\r\n\r\n%s\r\n",
		s.to, s.subject, contentType, s.body,
	)
	return messageItem{
		ID:      s.id,
		Created: s.created,
		Raw:     messageRaw{From: "editor@journal.example", To: []string{s.to}, Data: raw},
	}
}

type fakeMailHog struct {
	mu       sync.Mutex
	messages []stored
	requests int
}

func (f *fakeMailHog) add(m stored) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakeMailHog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	if r.URL.Path != "/api/v2/search" {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	kind, query := q.Get("kind"), q.Get("query")

	var matched []messageItem
	for _, m := range f.messages {
		switch kind {
		case "to":
			if m.to != query {
				continue
			}
		case "containing":
			if !strings.Contains(m.subject+m.body, query) {
				continue
			}
		}
		matched = append(matched, m.item())
	}

	var start, limit int
	fmt.Sscan(q.Get("start"), &start)
	fmt.Sscan(q.Get("limit"), &limit)
	end := min(start+limit, len(matched))
	page := []messageItem{}
	if start < end {
		page = matched[start:end]
	}

	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(searchResponse{
		Total: len(matched),
		Count: len(page),
		Start: start,
		Items: page,
	})
}

func newTestClient(t *testing.T, hog *fakeMailHog) *Client {
	t.Helper()
	server := httptest.NewServer(hog)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:       server.URL,
		PollInterval:  10 * time.Millisecond,
		RatePerSecond: 1000,
		PageSize:      2,
	}, &telemetrytest.Recorder{})
	require.NoError(t, err)
	return client
}

var account = session.Account{Platform: "journal", ID: "editor", Email: "editor@lab.example"}

func TestFetchCodeIgnoresOlderMessages(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hog := &fakeMailHog{}
	hog.add(stored{id: "old", created: t0.Add(-time.Minute), to: account.Email, subject: "Your code", body: "Code: 111111"})
	hog.add(stored{id: "other", created: t0.Add(time.Second), to: "someone@else.example", subject: "Your code", body: "Code: 999999"})
	client := newTestClient(t, hog)

	go func() {
		time.Sleep(50 * time.Millisecond)
		hog.add(stored{id: "new", created: t0.Add(30 * time.Second), to: account.Email, subject: "Your code", body: "Code: 424242"})
	}()

	code, err := client.FetchCode(context.Background(), account, t0, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "424242", code)
}

func TestFetchCodeTimesOut(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hog := &fakeMailHog{}
	hog.add(stored{id: "old", created: t0.Add(-time.Minute), to: account.Email, subject: "Your code", body: "Code: 111111"})
	client := newTestClient(t, hog)

	_, err := client.FetchCode(context.Background(), account, t0, 100*time.Millisecond)
	require.ErrorIs(t, err, session.ErrCodeNotFound)
}

func TestSearchPagesAndFilters(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hog := &fakeMailHog{}
	for i := range 5 {
		hog.add(stored{
			id:      fmt.Sprintf("m%d", i),
			created: t0.Add(time.Duration(4-i) * time.Hour),
			to:      "reviewer@uni.example",
			subject: fmt.Sprintf("MS-7 message %d", i),
			body:    "Dear Reviewer,\nplease see MS-7.",
		})
	}
	hog.add(stored{id: "unrelated", created: t0, to: "reviewer@uni.example", subject: "Newsletter", body: "nothing"})
	client := newTestClient(t, hog)

	messages, err := client.Search(context.Background(), "MS-7", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, messages, 4)

	for i := 1; i < len(messages); i++ {
		require.False(t, messages[i].Time.Before(messages[i-1].Time))
	}
	require.Equal(t, "m3", messages[0].ID)
	require.Equal(t, "MS-7 message 3", messages[0].Subject)
	require.Contains(t, messages[0].Body, "please see MS-7.")
	require.Equal(t, []string{"reviewer@uni.example"}, messages[0].To)
}

func TestHTMLOnlyBodyIsReadAsText(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hog := &fakeMailHog{}
	hog.add(stored{
		id:      "h1",
		created: t0,
		to:      "reviewer@uni.example",
		subject: "MS-9 invitation",
		html:    true,
		body: `<html><head><style>p { margin: 0 }</style></head><body>` +
			`<p>Dear Jane&nbsp;Doe,</p><p>the R&amp;D board invites you to review MS-9.</p>` +
			`<script>var seen = 1 < 2;</script></body></html>`,
	})
	client := newTestClient(t, hog)

	messages, err := client.Search(context.Background(), "MS-9", time.Time{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "Dear Jane Doe, the R&D board invites you to review MS-9.", messages[0].Body)
}

func TestSearchReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	rec := &telemetrytest.Recorder{}
	client, err := NewClient(Config{BaseURL: server.URL, RatePerSecond: 1000}, rec)
	require.NoError(t, err)

	_, err = client.Search(context.Background(), "MS-1", time.Time{})
	require.Error(t, err)
	require.NotEmpty(t, rec.Find(telemetrytest.KindBroken, report_client_search))
}

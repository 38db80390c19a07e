package traversal

import (
	"reviewtrail/internal/timeline"
)

type ItemStatus string

const (
	StatusDone      ItemStatus = "done"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
)

type DocumentStatus string

const (
	DocumentDownloaded DocumentStatus = "downloaded"
	DocumentUnchanged  DocumentStatus = "unchanged"
	DocumentFailed     DocumentStatus = "failed"
)

type DocumentResult struct {
	Kind        string         `json:"kind"`
	Name        string         `json:"name"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Status      DocumentStatus `json:"status"`
}

type ItemResult struct {
	Platform  string           `json:"platform"`
	ItemID    string           `json:"item_id"`
	Category  string           `json:"category"`
	Fields    map[string]any   `json:"fields,omitempty"`
	Documents []DocumentResult `json:"documents,omitempty"`
	// Events is the platform stream as extracted, Timeline the reconciled one.
	Events        []timeline.Event              `json:"events,omitempty"`
	Timeline      []timeline.Event              `json:"timeline,omitempty"`
	Metrics       []timeline.ParticipantMetrics `json:"metrics,omitempty"`
	Confidence    timeline.Confidence           `json:"confidence,omitempty"`
	Warning       string                        `json:"warning,omitempty"`
	Status        ItemStatus                    `json:"status"`
	FailureReason string                        `json:"failure_reason,omitempty"`
	Retries       int                           `json:"retries"`
}

func (r *ItemResult) setDocument(doc DocumentResult) {
	for i, existing := range r.Documents {
		if existing.Kind == doc.Kind && existing.Name == doc.Name {
			r.Documents[i] = doc
			return
		}
	}
	r.Documents = append(r.Documents, doc)
}

func sameEvent(a, b timeline.Event) bool {
	return a.Time.Equal(b.Time) && a.Category == b.Category && a.Text == b.Text
}

func (r *ItemResult) addEvents(events []timeline.Event) {
outer:
	for _, e := range events {
		e.ItemID = r.ItemID
		e.Source = timeline.SourcePlatform
		for _, existing := range r.Events {
			if sameEvent(existing, e) {
				continue outer
			}
		}
		r.Events = append(r.Events, e)
	}
}

// cancel drops everything captured for an item that did not finish its passes.
func (r *ItemResult) cancel() {
	r.Status = StatusCancelled
	r.Fields = nil
	r.Documents = nil
	r.Events = nil
}

package timeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/components/textutil"
	"reviewtrail/internal/fault"
)

const (
	report_reconciler_search  = "reconciler.search"
	report_reconciler_dropped = "reconciler.deduplicated"
)

type Weights struct {
	Latency   float64 `json:"latency"`
	Reminders float64 `json:"reminders"`
	Outcome   float64 `json:"outcome"`
}

type Config struct {
	// Tolerance is the largest time difference between two events that can
	// still be the same occurrence.
	Tolerance time.Duration
	Weights   Weights
	// LatencyHorizon is the latency at which the latency score reaches 0.
	LatencyHorizon time.Duration
	// NameThreshold is the Jaro-Winkler similarity above which two names are
	// the same participant.
	NameThreshold float64
	Rules         []Rule
}

func DefaultConfig() Config {
	return Config{
		Tolerance:      2 * time.Hour,
		Weights:        Weights{Latency: 0.5, Reminders: 0.2, Outcome: 0.3},
		LatencyHorizon: 14 * 24 * time.Hour,
		NameThreshold:  0.92,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.LatencyHorizon <= 0 {
		c.LatencyHorizon = d.LatencyHorizon
	}
	if c.NameThreshold <= 0 {
		c.NameThreshold = d.NameThreshold
	}
	return c
}

type Reconciler struct {
	config     Config
	classifier Classifier
	tel        telemetry.API
}

func NewReconciler(config Config, tel telemetry.API) *Reconciler {
	assert.NotNil(tel)
	config = config.withDefaults()
	return &Reconciler{
		config:     config,
		classifier: NewClassifier(config.Rules, config.NameThreshold),
		tel:        telemetry.NewScopedAPI("timeline", tel),
	}
}

func (r *Reconciler) Classifier() Classifier {
	return r.classifier
}

// ClassifyMessages turns external messages into events of itemID.
func (r *Reconciler) ClassifyMessages(itemID string, messages []Message, known []string) []Event {
	events := make([]Event, 0, len(messages))
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Subject + "\n" + msg.Body)
		events = append(events, Event{
			ItemID:       itemID,
			Time:         msg.Time,
			Category:     r.classifier.Category(text),
			Participants: r.classifier.Participants(text, known),
			Source:       SourceExternal,
			Text:         msg.Subject,
		})
	}
	return events
}

// Reconcile builds the timeline of one item. When source is nil or fails the
// result is derived from the platform events alone with reduced confidence.
func (r *Reconciler) Reconcile(ctx context.Context, itemID string, platform []Event, known []string, source MessageSource) Result {
	if source == nil {
		return r.degraded(itemID, platform, fmt.Errorf("no external message source configured"))
	}

	var after time.Time
	if earliest, ok := earliestTime(platform); ok {
		after = earliest.Add(-r.config.Tolerance)
	}
	messages, err := source.Search(ctx, itemID, after)
	if err != nil {
		return r.degraded(itemID, platform, err)
	}

	merged := r.Merge(platform, r.ClassifyMessages(itemID, messages, known))
	return Result{
		Timeline:   merged,
		Metrics:    r.Metrics(merged),
		Confidence: ConfidenceFull,
	}
}

func (r *Reconciler) degraded(itemID string, platform []Event, err error) Result {
	degraded := &fault.ReconciliationDegraded{ItemID: itemID, Err: err}
	r.tel.ReportWarning(report_reconciler_search, degraded)

	merged := r.Merge(platform, nil)
	return Result{
		Timeline:   merged,
		Metrics:    r.Metrics(merged),
		Confidence: ConfidenceReduced,
		Warning:    degraded.Error(),
	}
}

func earliestTime(events []Event) (time.Time, bool) {
	var earliest time.Time
	for _, e := range events {
		if earliest.IsZero() || e.Time.Before(earliest) {
			earliest = e.Time
		}
	}
	return earliest, !earliest.IsZero()
}

func (r *Reconciler) overlaps(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return textutil.Overlaps(a, b, r.config.NameThreshold)
}

// Duplicate reports whether external event b records the same occurrence as
// platform event a.
func (r *Reconciler) Duplicate(a, b Event) bool {
	if a.Category != b.Category {
		return false
	}
	diff := a.Time.Sub(b.Time)
	if diff < 0 {
		diff = -diff
	}
	if diff > r.config.Tolerance {
		return false
	}
	return r.overlaps(a.Participants, b.Participants)
}

// Merge orders the union of both streams by time, dropping every external
// event that duplicates a platform event. Platform events come first on ties.
func (r *Reconciler) Merge(platform, external []Event) []Event {
	merged := make([]Event, 0, len(platform)+len(external))
	for _, e := range platform {
		e.Source = SourcePlatform
		merged = append(merged, e)
	}

	dropped := 0
	for _, b := range external {
		duplicate := false
		for _, a := range platform {
			if r.Duplicate(a, b) {
				duplicate = true
				break
			}
		}
		if duplicate {
			dropped++
			continue
		}
		b.Source = SourceExternal
		merged = append(merged, b)
	}
	if dropped > 0 {
		r.tel.ReportDebug(report_reconciler_dropped, dropped)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Time.Before(merged[j].Time)
	})
	return merged
}

func (r *Reconciler) involves(e Event, participant string) bool {
	return r.overlaps(e.Participants, []string{participant}) && len(e.Participants) > 0
}

// Metrics derives per participant response metrics from a merged timeline.
// Only participants that received an invitation are measured.
func (r *Reconciler) Metrics(timeline []Event) []ParticipantMetrics {
	var invited []string
	seen := map[string]struct{}{}
	for _, e := range timeline {
		if e.Category != CategoryInvitation {
			continue
		}
		for _, p := range e.Participants {
			key := textutil.NormalizeName(p)
			if _, ok := seen[key]; ok || key == "" {
				continue
			}
			seen[key] = struct{}{}
			invited = append(invited, p)
		}
	}

	metrics := make([]ParticipantMetrics, 0, len(invited))
	for _, participant := range invited {
		metrics = append(metrics, r.participantMetrics(timeline, participant))
	}
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Participant < metrics[j].Participant
	})
	return metrics
}

func (r *Reconciler) participantMetrics(timeline []Event, participant string) ParticipantMetrics {
	m := ParticipantMetrics{Participant: participant, Outcome: OutcomePending}

	invited := false
	for _, e := range timeline {
		if !r.involves(e, participant) {
			continue
		}
		if !invited {
			if e.Category == CategoryInvitation {
				invited = true
				m.InvitedAt = e.Time
			}
			continue
		}

		switch e.Category {
		case CategoryInvitation:
			continue
		case CategoryReminder:
			m.Reminders++
			continue
		case CategoryDecline:
			m.Outcome = OutcomeDeclined
		case CategorySubmissionReceived:
			m.Outcome = OutcomeCompleted
		default:
			m.Outcome = OutcomeResponded
		}
		respondedAt := e.Time
		m.RespondedAt = &respondedAt
		m.LatencyHours = e.Time.Sub(m.InvitedAt).Hours()
		break
	}

	m.Reliability = r.reliability(m)
	return m
}

func (r *Reconciler) reliability(m ParticipantMetrics) float64 {
	w := r.config.Weights
	total := w.Latency + w.Reminders + w.Outcome
	if total <= 0 {
		return 0
	}

	latencyScore := 0.0
	if m.RespondedAt != nil {
		horizon := r.config.LatencyHorizon.Hours()
		latencyScore = 1 - min(m.LatencyHours/horizon, 1)
	}
	reminderScore := 1 / float64(1+m.Reminders)

	outcomeScore := 0.0
	switch m.Outcome {
	case OutcomeCompleted:
		outcomeScore = 1
	case OutcomeResponded:
		outcomeScore = 0.75
	case OutcomeDeclined:
		outcomeScore = 0.5
	}

	score := (w.Latency*latencyScore + w.Reminders*reminderScore + w.Outcome*outcomeScore) / total
	return max(0, min(1, score))
}

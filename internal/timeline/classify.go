package timeline

import (
	"regexp"
	"strings"

	"reviewtrail/internal/components/textutil"
)

type Rule struct {
	Category Category
	Pattern  *regexp.Regexp
}

// DefaultRules are evaluated in order, the first match wins. More specific
// categories come before the ones whose wording they contain.
var DefaultRules = []Rule{
	{Category: CategoryDecline, Pattern: regexp.MustCompile(`(?i)\b(declined?|declining|unable to review|cannot review|not available to review)\b`)},
	{Category: CategoryReminder, Pattern: regexp.MustCompile(`(?i)\b(reminders?|overdue|follow[- ]?up|gentle nudge)\b`)},
	{Category: CategorySubmissionReceived, Pattern: regexp.MustCompile(`(?i)\b(review (has been )?(submitted|received|completed)|submission received|thank you for (your|submitting( your)?) review)\b`)},
	{Category: CategoryDecisionSent, Pattern: regexp.MustCompile(`(?i)\b(decision (letter|sent|on your manuscript)|final decision|accept(ed)? for publication|rejected)\b`)},
	{Category: CategoryInvitation, Pattern: regexp.MustCompile(`(?i)\b(invit(e|ed|es|ation|ing)|would you be willing)\b`)},
}

// Classifier assigns categories and participants to free text.
type Classifier struct {
	rules     []Rule
	threshold float64
}

func NewClassifier(rules []Rule, nameThreshold float64) Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return Classifier{rules: rules, threshold: nameThreshold}
}

func (c Classifier) Category(text string) Category {
	for _, rule := range c.rules {
		if rule.Pattern.MatchString(text) {
			return rule.Category
		}
	}
	return CategoryOther
}

var addresseePattern = regexp.MustCompile(`\b(?:[Tt]o|[Ff]rom|[Dd]ear|[Bb]y)\s+((?:(?:Dr|Prof|Mr|Ms|Mrs)\.?\s+)?[A-Z][\w'.-]*(?:\s+[A-Z][\w'.-]*){0,2})`)

// Participants returns the known participants mentioned in text, plus the
// names addressed by "to/from/dear/by <Name>" that match no known participant.
func (c Classifier) Participants(text string, known []string) []string {
	var found []string
	seen := map[string]struct{}{}
	add := func(name string) {
		key := textutil.NormalizeName(name)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		found = append(found, name)
	}

	for _, name := range known {
		if textutil.MatchName(text, []string{name}) {
			add(name)
		}
	}

	var candidates []string
	for _, match := range addresseePattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimRight(match[1], ".,;:"))
	}
	linked := map[string]string{}
	for _, link := range textutil.LinkNames(candidates, known, c.threshold) {
		linked[link.Left] = link.Right
	}
	for _, candidate := range candidates {
		if name, ok := linked[candidate]; ok {
			add(name)
			continue
		}
		add(candidate)
	}
	return found
}

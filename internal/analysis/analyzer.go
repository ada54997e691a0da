package analysis

import (
	"fmt"
	"regexp"
	"strings"
)

// AlertType categorizes a flagged transcript signal.
type AlertType string

const (
	AlertHealth    AlertType = "health"
	AlertConfusion AlertType = "confusion"
	AlertMood      AlertType = "mood"
	AlertEmergency AlertType = "emergency"
)

// Severity ranks an alert for family attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one flagged signal. At most one alert is emitted per type in a
// single analysis pass.
type Alert struct {
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Result is the outcome of scoring one finished transcript.
type Result struct {
	WellnessScore int     `json:"wellnessScore"`
	Alerts        []Alert `json:"alerts"`
	Summary       string  `json:"summary"`
	CheckinID     string  `json:"checkinId,omitempty"`
}

const healthySummary = "Conversation looked healthy and upbeat."

// pattern categories are evaluated in a fixed order so repeated runs over
// the same transcript produce identically ordered alerts.
type category struct {
	typ AlertType
	re  *regexp.Regexp
}

var categories = []category{
	{AlertHealth, regexp.MustCompile(`(?i)fell|fall|hurt|pain|ache|dizzy|medication|medicine|doctor`)},
	{AlertConfusion, regexp.MustCompile(`(?i)confused|forget|forgot|lost|don't remember|what day`)},
	{AlertMood, regexp.MustCompile(`(?i)lonely|alone|sad|miss|nobody|depressed`)},
	{AlertEmergency, regexp.MustCompile(`(?i)help|emergency|can't breathe|chest pain|911`)},
}

// emergencyPhrases are multi-word emergency triggers. A span matching one of
// these belongs to the emergency category alone, so it is masked from the
// single-word categories ("chest pain" must not also count as a health hit).
var emergencyPhrases = regexp.MustCompile(`(?i)can't breathe|chest pain`)

// Analyze scores the concatenated transcript text. It is a pure function:
// no state, no side effects, same input always yields the same Result.
func Analyze(texts []string) Result {
	concatenated := strings.Join(texts, " ")
	masked := emergencyPhrases.ReplaceAllString(concatenated, " ")

	var alerts []Alert
	for _, c := range categories {
		subject := masked
		if c.typ == AlertEmergency {
			subject = concatenated
		}
		if c.re.MatchString(subject) {
			sev := SeverityMedium
			if c.typ == AlertEmergency {
				sev = SeverityCritical
			}
			alerts = append(alerts, Alert{
				Type:     c.typ,
				Severity: sev,
				Message:  fmt.Sprintf("Detected %s signal", c.typ),
			})
		}
	}

	penalty := len(alerts)
	if penalty > 5 {
		penalty = 5
	}
	score := 10 - 2*penalty
	if score < 1 {
		score = 1
	}

	summary := healthySummary
	if len(alerts) > 0 {
		summary = fmt.Sprintf("Detected %d alert(s) during the call.", len(alerts))
	}

	return Result{WellnessScore: score, Alerts: alerts, Summary: summary}
}

package template

import (
	"fmt"
	"strings"

	"github.com/classping/notify/internal/core/domain"
)

// ToneSeverity grades a tone finding. Block findings make the whole text
// unsendable; Warn findings surface to the sender for review.
type ToneSeverity int

const (
	ToneClear ToneSeverity = iota
	ToneWarn
	ToneBlock
)

func (s ToneSeverity) String() string {
	switch s {
	case ToneWarn:
		return "warn"
	case ToneBlock:
		return "block"
	default:
		return "clear"
	}
}

// FindingKind names the class of forbidden language a rule detects.
type FindingKind string

const (
	KindBlame      FindingKind = "blame"
	KindComparison FindingKind = "comparison"
	KindAlarm      FindingKind = "alarm"
)

// ToneFinding is one matched phrase. Suggestion, when non-empty, is a
// neutral rewrite Soften can apply in place of the phrase.
type ToneFinding struct {
	Phrase     string
	Kind       FindingKind
	Severity   ToneSeverity
	Suggestion string
}

// ToneReport aggregates the findings for one screened text.
type ToneReport struct {
	Findings []ToneFinding
	Severity ToneSeverity
	Blocked  bool
}

// Reasons renders the findings as human-readable denial/warning strings.
func (r ToneReport) Reasons() []string {
	reasons := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		reasons = append(reasons, fmt.Sprintf("%s language: %q", f.Kind, f.Phrase))
	}
	return reasons
}

type toneRule struct {
	phrase     string
	kind       FindingKind
	severity   ToneSeverity
	suggestion string
}

// toneRules is scanned in order; matching is case-insensitive substring.
// Blame and comparison language is never acceptable in guardian-facing
// text. Alarm vocabulary blocks or warns outside emergency notices, where
// it is legitimate and skipped entirely.
var toneRules = []toneRule{
	{phrase: "your child's fault", kind: KindBlame, severity: ToneBlock},
	{phrase: "your fault", kind: KindBlame, severity: ToneBlock},
	{phrase: "blame", kind: KindBlame, severity: ToneBlock},
	{phrase: "lazy", kind: KindBlame, severity: ToneBlock, suggestion: "not yet fully engaged"},
	{phrase: "problem child", kind: KindBlame, severity: ToneBlock},
	{phrase: "hopeless", kind: KindBlame, severity: ToneBlock, suggestion: "still developing"},

	{phrase: "compared to other students", kind: KindComparison, severity: ToneBlock},
	{phrase: "unlike the other students", kind: KindComparison, severity: ToneBlock},
	{phrase: "worst in the class", kind: KindComparison, severity: ToneBlock},
	{phrase: "bottom of the class", kind: KindComparison, severity: ToneBlock},
	{phrase: "behind everyone else", kind: KindComparison, severity: ToneBlock},
	{phrase: "ranked last", kind: KindComparison, severity: ToneBlock},

	{phrase: "evacuate", kind: KindAlarm, severity: ToneBlock},
	{phrase: "evacuation", kind: KindAlarm, severity: ToneBlock},
	{phrase: "lockdown", kind: KindAlarm, severity: ToneBlock},
	{phrase: "emergency", kind: KindAlarm, severity: ToneBlock},
	{phrase: "danger", kind: KindAlarm, severity: ToneBlock},
	{phrase: "urgent", kind: KindAlarm, severity: ToneWarn, suggestion: "timely"},
	{phrase: "immediately", kind: KindAlarm, severity: ToneWarn, suggestion: "as soon as you can"},
	{phrase: "crisis", kind: KindAlarm, severity: ToneWarn},
}

// ScreenTone scans subject and body against the rule table. A phrase found
// in both counts once. The report's Severity is the highest finding
// severity; Blocked is true when any finding blocks.
func ScreenTone(category domain.MessageCategory, subject, body string) ToneReport {
	text := strings.ToLower(subject + "\n" + body)
	var report ToneReport
	for _, rule := range toneRules {
		if rule.kind == KindAlarm && category == domain.CategoryEmergency {
			continue
		}
		if !strings.Contains(text, rule.phrase) {
			continue
		}
		report.Findings = append(report.Findings, ToneFinding{
			Phrase:     rule.phrase,
			Kind:       rule.kind,
			Severity:   rule.severity,
			Suggestion: rule.suggestion,
		})
		if rule.severity > report.Severity {
			report.Severity = rule.severity
		}
		if rule.severity == ToneBlock {
			report.Blocked = true
		}
	}
	return report
}

// Soften applies the available suggestions from report to text and returns
// the rewritten text plus the findings it rewrote. Findings without a
// suggestion are left in place; callers should re-screen the result before
// sending.
func Soften(text string, report ToneReport) (string, []ToneFinding) {
	var applied []ToneFinding
	for _, f := range report.Findings {
		if f.Suggestion == "" {
			continue
		}
		rewritten := replaceFold(text, f.Phrase, f.Suggestion)
		if rewritten != text {
			text = rewritten
			applied = append(applied, f)
		}
	}
	return text, applied
}

// replaceFold replaces every case-insensitive occurrence of phrase.
func replaceFold(text, phrase, replacement string) string {
	if phrase == "" {
		return text
	}
	needle := strings.ToLower(phrase)
	var b strings.Builder
	for {
		i := strings.Index(strings.ToLower(text), needle)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:i])
		b.WriteString(replacement)
		text = text[i+len(needle):]
	}
}

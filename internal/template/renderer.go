// Package template renders named message templates and screens their tone.
// Rendering is a pure function of (template, variables): no clock, no store.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/classping/notify/internal/core/domain"
)

// placeholderPattern matches {{name}} tokens, tolerating spaces inside the braces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// ErrUnknownTemplate is returned by Render for a name outside the catalog.
var ErrUnknownTemplate = errors.New("unknown template")

// Template is a named subject/body pair with {{variable}} placeholders.
type Template struct {
	Name     string
	Category domain.MessageCategory
	Subject  string
	Body     string
}

// Rendered holds the final text after every placeholder has been substituted.
type Rendered struct {
	Subject string
	Body    string
}

// MissingVariablesError reports placeholders that had no value in the
// supplied variable set. Missing is sorted and deduplicated so identical
// input always produces identical error text.
type MissingVariablesError struct {
	Template string
	Missing  []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("template %q: missing variables: %s", e.Template, strings.Join(e.Missing, ", "))
}

// Placeholders returns the distinct placeholder names in text, in order of
// first appearance. Rendered output from a complete variable set yields nil.
func Placeholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// Renderer holds the template catalog. Construct with NewRenderer; the zero
// value has no templates.
type Renderer struct {
	templates map[string]Template
}

// NewRenderer returns a Renderer seeded with the built-in catalog.
func NewRenderer() *Renderer {
	r := &Renderer{templates: make(map[string]Template, len(builtinTemplates))}
	for _, t := range builtinTemplates {
		r.templates[t.Name] = t
	}
	return r
}

// Register adds a template, replacing any existing one with the same name.
func (r *Renderer) Register(t Template) {
	r.templates[t.Name] = t
}

// Lookup returns the named template from the catalog.
func (r *Renderer) Lookup(name string) (Template, bool) {
	t, ok := r.templates[name]
	return t, ok
}

// Render substitutes vars into the named template. Every placeholder in the
// subject and body must have a value; otherwise a *MissingVariablesError
// lists the absent names and no partial output is returned.
func (r *Renderer) Render(name string, vars map[string]string) (Rendered, error) {
	t, ok := r.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	subject, missingSubject := substitute(t.Subject, vars)
	body, missingBody := substitute(t.Body, vars)
	if len(missingSubject) > 0 || len(missingBody) > 0 {
		return Rendered{}, &MissingVariablesError{Template: name, Missing: mergeSorted(missingSubject, missingBody)}
	}
	return Rendered{Subject: subject, Body: body}, nil
}

// RenderText substitutes vars into free-form text outside the catalog, with
// the same all-or-nothing missing-variable behavior as Render.
func RenderText(text string, vars map[string]string) (string, error) {
	out, missing := substitute(text, vars)
	if len(missing) > 0 {
		return "", &MissingVariablesError{Template: "inline", Missing: mergeSorted(missing)}
	}
	return out, nil
}

func substitute(text string, vars map[string]string) (string, []string) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return token
		}
		return value
	})
	return out, missing
}

func mergeSorted(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, list := range lists {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, name)
		}
	}
	sort.Strings(merged)
	return merged
}

// builtinTemplates is the stock catalog. Schools may Register replacements
// over the same names.
var builtinTemplates = []Template{
	{
		Name:     "attendance_absent",
		Category: domain.CategoryAttendance,
		Subject:  "Attendance notice for {{student_name}}",
		Body:     "Dear {{guardian_name}}, {{student_name}} was marked absent in {{period}} on {{date}}. Please contact the school office if this is unexpected.",
	},
	{
		Name:     "attendance_late",
		Category: domain.CategoryAttendance,
		Subject:  "Late arrival recorded for {{student_name}}",
		Body:     "Dear {{guardian_name}}, {{student_name}} arrived {{minutes_late}} minutes late on {{date}}.",
	},
	{
		Name:     "learning_update_weekly",
		Category: domain.CategoryLearningUpdate,
		Subject:  "Weekly learning update for {{student_name}}",
		Body:     "Dear {{guardian_name}}, here is this week's learning update for {{student_name}}: {{summary}}",
	},
	{
		Name:     "announcement_general",
		Category: domain.CategoryAnnouncement,
		Subject:  "{{title}}",
		Body:     "Dear {{guardian_name}}, {{announcement}}",
	},
	{
		Name:     "fee_status_reminder",
		Category: domain.CategoryFeeStatus,
		Subject:  "Payment reminder {{invoice_ref}}",
		Body:     "Dear {{guardian_name}}, invoice {{invoice_ref}} of {{amount}} for {{student_name}} is due on {{due_date}}.",
	},
	{
		Name:     "emergency_notice",
		Category: domain.CategoryEmergency,
		Subject:  "{{incident_title}}",
		Body:     "{{incident_body}} Please acknowledge receipt of this message.",
	},
}

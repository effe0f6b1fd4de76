// Package task defines the task record: the normalized unit-of-work document
// that moves through the vault stages. The canonical format is line-oriented
// plain text, "# <Source> Event" followed by "Field: value" lines. An older
// front-matter format still arrives from legacy producers and is normalized
// at the sensor boundary.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Risk classifies how much review a detected unit of work warrants.
type Risk string

const (
	RiskLow    Risk = "Low"
	RiskMedium Risk = "Medium"
	RiskHigh   Risk = "High"
)

// ParseRisk matches a risk level case-insensitively.
func ParseRisk(s string) (Risk, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, true
	case "medium":
		return RiskMedium, true
	case "high":
		return RiskHigh, true
	default:
		return "", false
	}
}

// ApprovalStatus is the state of a plan's human-review gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	ApprovalExpired  ApprovalStatus = "Expired"
)

// ParseApproval matches an approval status case-insensitively.
func ParseApproval(s string) (ApprovalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return ApprovalPending, true
	case "approved":
		return ApprovalApproved, true
	case "rejected":
		return ApprovalRejected, true
	case "expired":
		return ApprovalExpired, true
	default:
		return "", false
	}
}

// Field names used in the canonical record format.
const (
	FieldType      = "Type"
	FieldUser      = "User"
	FieldContent   = "Content"
	FieldTimestamp = "Timestamp"
	FieldRisk      = "Risk Level"
	FieldGoal      = "Goal"
	FieldSteps     = "Steps"
	FieldApproval  = "Approval Status"
)

// Record is one normalized unit of detected work. Sensor-origin records carry
// a source-qualified EventID; manual drops are identified by filename alone.
// Goal, Steps and Approval are only present on plan records.
type Record struct {
	Source     string // e.g. "GitHub", "Gmail"
	EventID    string // source-native event id, empty for manual drops
	Kind       string // source-specific event type
	Originator string // sender / user / actor
	Summary    string
	Timestamp  string // originating timestamp, opaque to the lifecycle engine
	Risk       Risk

	Goal     string
	Steps    []string
	Approval ApprovalStatus // empty when the record has no approval envelope
}

// IsPlan reports whether the record carries an approval envelope.
func (r *Record) IsPlan() bool {
	return r.Approval != ""
}

// Filename returns the source-qualified unique file name for the record.
func (r *Record) Filename() string {
	source := strings.ToLower(strings.ReplaceAll(r.Source, " ", "-"))
	if source == "" {
		source = "task"
	}
	if r.EventID == "" {
		return source + ".md"
	}
	return fmt.Sprintf("%s-%s.md", source, r.EventID)
}

// Render produces the canonical flat text form of the record.
func (r *Record) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Event\n\n", r.Source)

	writeField := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}

	writeField(FieldType, r.Kind)
	writeField(FieldUser, r.Originator)
	writeField(FieldContent, r.Summary)
	writeField(FieldTimestamp, r.Timestamp)
	writeField(FieldRisk, string(r.Risk))
	writeField(FieldGoal, r.Goal)

	if len(r.Steps) > 0 {
		fmt.Fprintf(&b, "%s:\n", FieldSteps)
		for i, step := range r.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}

	writeField(FieldApproval, string(r.Approval))
	return b.String()
}

// Parse reads a record from its text form. Both the canonical flat format and
// the legacy front-matter format are accepted; legacy fields are mapped onto
// their canonical names so downstream components only ever see one shape.
func Parse(content string) (*Record, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("empty record")
	}

	if strings.HasPrefix(trimmed, "---") {
		return parseLegacy(trimmed)
	}
	return parseFlat(trimmed)
}

func parseFlat(content string) (*Record, error) {
	r := &Record{}
	lines := strings.Split(content, "\n")

	inSteps := false
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "# ") {
			title := strings.TrimPrefix(line, "# ")
			r.Source = strings.TrimSpace(strings.TrimSuffix(title, "Event"))
			continue
		}
		if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "## ") {
			// Appended sections (completion marker, expiration note) follow
			// the fields and carry no record data.
			break
		}

		if inSteps {
			if step, ok := stepLine(line); ok {
				r.Steps = append(r.Steps, step)
				continue
			}
			inSteps = false
		}

		name, value, ok := splitField(line)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "type":
			r.Kind = value
		case "user", "sender", "from", "actor":
			r.Originator = value
		case "content", "summary", "subject":
			r.Summary = value
		case "timestamp", "date":
			r.Timestamp = value
		case "risk level":
			if risk, ok := ParseRisk(value); ok {
				r.Risk = risk
			}
		case "goal":
			r.Goal = value
		case "steps":
			inSteps = true
		case "approval status":
			if status, ok := ParseApproval(value); ok {
				r.Approval = status
			}
		}
	}

	if r.Source == "" && r.Summary == "" && r.Goal == "" {
		return nil, fmt.Errorf("record has no recognizable fields")
	}
	return r, nil
}

// parseLegacy handles the old front-matter style:
//
//	---
//	source: gmail
//	from: someone@example.com
//	risk: low
//	---
//	## Content
//	<body>
func parseLegacy(content string) (*Record, error) {
	rest := strings.TrimPrefix(content, "---")
	end := strings.Index(rest, "---")
	if end < 0 {
		return nil, fmt.Errorf("legacy record: unterminated front matter")
	}
	frontMatter := rest[:end]
	body := strings.TrimSpace(rest[end+len("---"):])

	r := &Record{}
	for _, raw := range strings.Split(frontMatter, "\n") {
		name, value, ok := splitField(strings.TrimSpace(raw))
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "source", "platform", "type":
			r.Source = value
		case "from", "sender", "user", "actor":
			r.Originator = value
		case "subject", "summary", "title":
			r.Summary = value
		case "date", "timestamp", "received":
			r.Timestamp = value
		case "risk", "risk level":
			if risk, ok := ParseRisk(value); ok {
				r.Risk = risk
			}
		case "approval", "approval status":
			if status, ok := ParseApproval(value); ok {
				r.Approval = status
			}
		}
	}

	if section := strings.Index(body, "## Content"); section >= 0 {
		body = strings.TrimSpace(body[section+len("## Content"):])
	}
	if r.Summary == "" && body != "" {
		if idx := strings.IndexByte(body, '\n'); idx >= 0 {
			r.Summary = strings.TrimSpace(body[:idx])
		} else {
			r.Summary = body
		}
	}

	if r.Source == "" && r.Summary == "" {
		return nil, fmt.Errorf("legacy record has no recognizable fields")
	}
	return r, nil
}

func splitField(line string) (name, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func stepLine(line string) (string, bool) {
	if strings.HasPrefix(line, "- ") {
		return strings.TrimSpace(line[2:]), true
	}
	for i := 0; i < len(line); i++ {
		if line[i] >= '0' && line[i] <= '9' {
			continue
		}
		if line[i] == '.' && i > 0 {
			return strings.TrimSpace(line[i+1:]), true
		}
		break
	}
	return "", false
}

// Work is the parsed execution view of a record: the first non-empty line is
// the objective, every following non-empty line is a step. This is
// deliberately forgiving so hand-written drops remain processable.
type Work struct {
	Objective string
	Steps     []string
}

// ParseWork extracts the objective and step list from raw record content.
func ParseWork(content string) (Work, error) {
	var w Work
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if w.Objective == "" {
			w.Objective = line
			continue
		}
		w.Steps = append(w.Steps, line)
	}
	if w.Objective == "" {
		return Work{}, fmt.Errorf("record has no content")
	}
	return w, nil
}

// Envelope is the approval envelope as read from raw record content. The
// approval router acts only on records where both fields parse; anything
// else is inert.
type Envelope struct {
	Risk        Risk
	HasRisk     bool
	Approval    ApprovalStatus
	HasApproval bool
}

// Complete reports whether both envelope fields are present and well-formed.
func (e Envelope) Complete() bool {
	return e.HasRisk && e.HasApproval
}

// ExtractEnvelope scans raw content for the "Risk Level:" and
// "Approval Status:" lines, matching field names case-insensitively.
// Malformed values are treated as absent: the router must not guess intent.
func ExtractEnvelope(content string) Envelope {
	var env Envelope
	for _, raw := range strings.Split(content, "\n") {
		name, value, ok := splitField(strings.TrimSpace(raw))
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "risk level":
			if risk, ok := ParseRisk(value); ok && !env.HasRisk {
				env.Risk = risk
				env.HasRisk = true
			}
		case "approval status":
			if status, ok := ParseApproval(value); ok && !env.HasApproval {
				env.Approval = status
				env.HasApproval = true
			}
		}
	}
	return env
}

// SetApprovalStatus rewrites the record's "Approval Status:" line in place,
// preserving everything else byte for byte. Returns false when no
// well-formed approval line exists.
func SetApprovalStatus(content string, to ApprovalStatus) (string, bool) {
	lines := strings.Split(content, "\n")
	for i, raw := range lines {
		name, value, ok := splitField(strings.TrimSpace(raw))
		if !ok || strings.ToLower(name) != "approval status" {
			continue
		}
		if _, ok := ParseApproval(value); !ok {
			continue
		}
		indent := raw[:len(raw)-len(strings.TrimLeft(raw, " \t"))]
		lines[i] = fmt.Sprintf("%s%s: %s", indent, FieldApproval, to)
		return strings.Join(lines, "\n"), true
	}
	return content, false
}

// AppendCompletionMarker returns content with the processor's completion
// marker appended. Records are never edited in place except by appending.
func AppendCompletionMarker(content string, at time.Time) string {
	marker := fmt.Sprintf("\n\n---\n\nStatus: Completed\nTimestamp: %s\n",
		at.UTC().Format("2006-01-02 15:04:05"))
	return strings.TrimRight(content, "\n") + marker
}

// AppendExpirationNote returns content with an expiration note appended.
func AppendExpirationNote(content string, at time.Time) string {
	note := fmt.Sprintf("\n\n## Expiration Note\n\nThis plan expired without approval on %s.\n",
		at.UTC().Format("2006-01-02 15:04:05"))
	return strings.TrimRight(content, "\n") + note
}

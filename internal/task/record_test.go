package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRenderParseRoundTrip(t *testing.T) {
	rec := &Record{
		Source:     "GitHub",
		EventID:    "31415926",
		Kind:       "IssuesEvent",
		Originator: "octocat",
		Summary:    "Issue #12 opened: flaky intake test",
		Timestamp:  "2026-08-29T10:00:00Z",
		Risk:       RiskMedium,
	}

	rendered := rec.Render()
	require.True(t, strings.HasPrefix(rendered, "# GitHub Event\n"))
	require.Contains(t, rendered, "Risk Level: Medium\n")
	require.NotContains(t, rendered, "Approval Status")

	parsed, err := Parse(rendered)
	require.NoError(t, err)
	require.Equal(t, "GitHub", parsed.Source)
	require.Equal(t, "IssuesEvent", parsed.Kind)
	require.Equal(t, "octocat", parsed.Originator)
	require.Equal(t, rec.Summary, parsed.Summary)
	require.Equal(t, RiskMedium, parsed.Risk)
	require.False(t, parsed.IsPlan())
}

func TestRenderParsePlan(t *testing.T) {
	plan := &Record{
		Source:   "Gmail",
		EventID:  "abc123",
		Summary:  "Vendor asks for payment details",
		Risk:     RiskHigh,
		Goal:     "Reply with the standard remittance form",
		Steps:    []string{"Draft reply", "Attach remittance form", "Send"},
		Approval: ApprovalPending,
	}

	rendered := plan.Render()
	require.Contains(t, rendered, "Goal: Reply with the standard remittance form\n")
	require.Contains(t, rendered, "1. Draft reply\n")
	require.Contains(t, rendered, "Approval Status: Pending\n")

	parsed, err := Parse(rendered)
	require.NoError(t, err)
	require.True(t, parsed.IsPlan())
	require.Equal(t, plan.Steps, parsed.Steps)
	require.Equal(t, ApprovalPending, parsed.Approval)
	require.Equal(t, RiskHigh, parsed.Risk)
}

func TestFilename(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{Source: "Gmail", EventID: "19a2f"}, "gmail-19a2f.md"},
		{Record{Source: "GitHub", EventID: "42"}, "github-42.md"},
		{Record{Source: "Social Mention", EventID: "7"}, "social-mention-7.md"},
		{Record{EventID: "x"}, "task-x.md"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.rec.Filename())
	}
}

func TestParseLegacyFrontMatter(t *testing.T) {
	content := `---
source: gmail
from: ceo@example.com
subject: Quarterly numbers
date: 2026-08-28
risk: high
---

## Content

Please pull together the Q3 revenue summary before Monday.
`
	rec, err := Parse(content)
	require.NoError(t, err)
	require.Equal(t, "gmail", rec.Source)
	require.Equal(t, "ceo@example.com", rec.Originator)
	require.Equal(t, "Quarterly numbers", rec.Summary)
	require.Equal(t, RiskHigh, rec.Risk)
}

func TestParseRejectsEmptyAndJunk(t *testing.T) {
	for _, content := range []string{"", "   \n\n", "just some prose\nwith no fields at all"} {
		_, err := Parse(content)
		require.Error(t, err, "content %q", content)
	}
}

func TestParseWork(t *testing.T) {
	w, err := ParseWork("# Mail Event\n\nContent: reply to vendor\nRisk Level: Low\n")
	require.NoError(t, err)
	require.Equal(t, "# Mail Event", w.Objective)
	require.Len(t, w.Steps, 2)

	_, err = ParseWork("\n\n  \n")
	require.Error(t, err)
}

func TestExtractEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		complete bool
		risk     Risk
		approval ApprovalStatus
	}{
		{
			name:     "canonical envelope",
			content:  "# Plan\n\nGoal: x\nRisk Level: High\nApproval Status: Pending\n",
			complete: true,
			risk:     RiskHigh,
			approval: ApprovalPending,
		},
		{
			name:     "case insensitive",
			content:  "goal: x\nrisk level: MEDIUM\napproval status: approved\n",
			complete: true,
			risk:     RiskMedium,
			approval: ApprovalApproved,
		},
		{
			name:    "missing approval",
			content: "Goal: x\nRisk Level: Low\n",
		},
		{
			name:    "malformed risk treated as absent",
			content: "Risk Level: Extreme\nApproval Status: Pending\n",
		},
		{
			name:    "no envelope",
			content: "just a task\nwith lines\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := ExtractEnvelope(tt.content)
			require.Equal(t, tt.complete, env.Complete())
			if tt.complete {
				require.Equal(t, tt.risk, env.Risk)
				require.Equal(t, tt.approval, env.Approval)
			}
		})
	}
}

func TestSetApprovalStatus(t *testing.T) {
	content := "# Plan\n\nGoal: g\nRisk Level: High\nApproval Status: Pending\n\nNotes below.\n"

	updated, ok := SetApprovalStatus(content, ApprovalExpired)
	require.True(t, ok)
	require.Contains(t, updated, "Approval Status: Expired\n")
	require.NotContains(t, updated, "Pending")
	require.Contains(t, updated, "Notes below.")

	// Malformed status line is left alone.
	_, ok = SetApprovalStatus("Approval Status: maybe?\n", ApprovalExpired)
	require.False(t, ok)

	_, ok = SetApprovalStatus("no envelope here\n", ApprovalExpired)
	require.False(t, ok)
}

func TestAppendMarkers(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	done := AppendCompletionMarker("# Mail Event\nContent: x\n", at)
	require.Contains(t, done, "Status: Completed\n")
	require.Contains(t, done, "Timestamp: 2026-08-30 12:00:00\n")

	expired := AppendExpirationNote("# Plan\nApproval Status: Pending\n", at)
	require.Contains(t, expired, "## Expiration Note\n")
	require.Contains(t, expired, "2026-08-30 12:00:00")
}

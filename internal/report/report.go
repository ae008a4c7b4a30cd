package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guardline/scanengine/internal/models"
)

// Status is the report's headline triage state.
type Status int

const (
	StatusClean Status = iota
	StatusAttention
	StatusUrgent
)

func (s Status) String() string {
	switch s {
	case StatusUrgent:
		return "urgent"
	case StatusAttention:
		return "attention"
	default:
		return "clean"
	}
}

// CategoryRisk is one line of the cumulative risk profile: a category folded
// across every chat it was seen in.
type CategoryRisk struct {
	Category       string
	Level          models.RiskLevel
	HitCount       int
	ChatCount      int
	LastDetectedAt time.Time
	RecentEvents   []models.RiskEvent
}

// Report is the guardian-facing summary of a scan. It carries only generated
// summaries, recommendations and structural metadata; raw message text never
// enters a report.
type Report struct {
	Status           Status
	SubjectName      string
	GeneratedAt      time.Time
	Alerts           []models.Alert
	NewContacts      []models.NewContact
	SuspiciousGroups []models.SuspiciousGroup
	RiskProfile      []CategoryRisk
	SkippedMedia     int
	MessagesScanned  int
	ChatsScanned     int
	Cost             float64
	Duration         time.Duration
}

const recentEventsPerCategory = 3

// Build derives a report from a finished scan plus the account's historical
// risk state. No store access; everything comes from the arguments.
func Build(result *models.ScanResult, profile models.SubjectProfile, aggregates []models.RiskAggregate, events []models.RiskEvent) *Report {
	r := &Report{
		Status:           statusFor(result),
		SubjectName:      profile.Name,
		GeneratedAt:      time.Now(),
		Alerts:           append([]models.Alert(nil), result.Alerts...),
		NewContacts:      result.NewContacts,
		SuspiciousGroups: result.SuspiciousGroups,
		RiskProfile:      buildRiskProfile(aggregates, events),
		SkippedMedia:     result.SkippedMedia,
		MessagesScanned:  result.MessagesScanned,
		ChatsScanned:     result.ChatsScanned,
		Cost:             result.Cost,
		Duration:         result.Duration,
	}
	sort.SliceStable(r.Alerts, func(i, j int) bool {
		if r.Alerts[i].Severity != r.Alerts[j].Severity {
			return r.Alerts[i].Severity > r.Alerts[j].Severity
		}
		return r.Alerts[i].Confidence > r.Alerts[j].Confidence
	})
	return r
}

func statusFor(result *models.ScanResult) Status {
	for _, a := range result.Alerts {
		if a.Severity >= models.SeverityCritical {
			return StatusUrgent
		}
	}
	if len(result.Alerts) > 0 || len(result.NewContacts) > 0 {
		return StatusAttention
	}
	return StatusClean
}

func buildRiskProfile(aggregates []models.RiskAggregate, events []models.RiskEvent) []CategoryRisk {
	byCategory := make(map[string]*CategoryRisk)
	var order []string
	for _, agg := range aggregates {
		cr, ok := byCategory[agg.Category]
		if !ok {
			cr = &CategoryRisk{Category: agg.Category}
			byCategory[agg.Category] = cr
			order = append(order, agg.Category)
		}
		if agg.Level > cr.Level {
			cr.Level = agg.Level
		}
		cr.HitCount += agg.HitCount
		cr.ChatCount++
		if agg.LastDetectedAt.After(cr.LastDetectedAt) {
			cr.LastDetectedAt = agg.LastDetectedAt
		}
	}

	sorted := append([]models.RiskEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DetectedAt.After(sorted[j].DetectedAt)
	})
	for _, ev := range sorted {
		cr, ok := byCategory[ev.Category]
		if !ok || len(cr.RecentEvents) >= recentEventsPerCategory {
			continue
		}
		cr.RecentEvents = append(cr.RecentEvents, ev)
	}

	profile := make([]CategoryRisk, 0, len(order))
	for _, category := range order {
		profile = append(profile, *byCategory[category])
	}
	sort.SliceStable(profile, func(i, j int) bool {
		if profile[i].Level != profile[j].Level {
			return profile[i].Level > profile[j].Level
		}
		return profile[i].Category < profile[j].Category
	})
	return profile
}

// Render produces the guardian-facing plain-text report.
func (r *Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Safety report for %s\n", r.SubjectName)
	fmt.Fprintf(&b, "Generated %s\n\n", r.GeneratedAt.Format("2 Jan 2006 15:04"))

	switch r.Status {
	case StatusUrgent:
		b.WriteString("Status: URGENT. Critical findings need your immediate attention.\n")
	case StatusAttention:
		b.WriteString("Status: needs attention. Please review the items below.\n")
	default:
		b.WriteString("Status: all clear. Nothing concerning was found in this scan.\n")
	}

	if len(r.SuspiciousGroups) > 0 {
		b.WriteString("\nGroup chats to review:\n")
		for _, g := range r.SuspiciousGroups {
			fmt.Fprintf(&b, "  - %s (%s): %s\n", g.Name, g.Category, g.Reason)
		}
	}

	if len(r.Alerts) > 0 {
		fmt.Fprintf(&b, "\nFindings (%d):\n", len(r.Alerts))
		for _, a := range r.Alerts {
			fmt.Fprintf(&b, "  - [%s] %s in %q: %s\n", a.Severity, a.Category, a.ChatName, a.Summary)
			if a.Recommendation != "" {
				fmt.Fprintf(&b, "    Recommendation: %s\n", a.Recommendation)
			}
		}
	}

	if len(r.NewContacts) > 0 {
		fmt.Fprintf(&b, "\nNew contacts (%d):\n", len(r.NewContacts))
		for _, c := range r.NewContacts {
			fmt.Fprintf(&b, "  - %s, %d messages since %s\n", c.Name, c.MessageCount, c.FirstSeen.Format("2 Jan"))
			if c.Assessment != "" {
				fmt.Fprintf(&b, "    %s\n", c.Assessment)
			}
		}
	}

	if len(r.RiskProfile) > 0 {
		b.WriteString("\nOngoing risk profile:\n")
		for _, cr := range r.RiskProfile {
			fmt.Fprintf(&b, "  - %s: %s risk, %d detections across %d chats, last seen %s\n",
				cr.Category, cr.Level, cr.HitCount, cr.ChatCount, cr.LastDetectedAt.Format("2 Jan"))
			for _, ev := range cr.RecentEvents {
				fmt.Fprintf(&b, "      %s: %s\n", ev.DetectedAt.Format("2 Jan"), ev.Summary)
			}
		}
	}

	if r.SkippedMedia > 0 {
		fmt.Fprintf(&b, "\n%d attachments were not analyzed on the current plan.\n", r.SkippedMedia)
	}

	fmt.Fprintf(&b, "\nScanned %d messages across %d chats in %s. Analysis cost: $%.4f.\n",
		r.MessagesScanned, r.ChatsScanned, r.Duration.Round(time.Second), r.Cost)
	return b.String()
}

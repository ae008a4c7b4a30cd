package models

// Severity is the ordinal severity scale attached to findings and alerts.
// Comparisons must use the ordinal value, never the string form.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "low"
}

// ParseSeverity maps a wire string to its ordinal value. Unknown strings
// report ok=false so callers can apply their own default.
func ParseSeverity(s string) (Severity, bool) {
	for sev, name := range severityNames {
		if name == s {
			return sev, true
		}
	}
	return SeverityLow, false
}

// RiskLevel is the ordinal cumulative risk scale for a (chat, category) pair.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskNone:     "none",
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return "none"
}

func ParseRiskLevel(s string) (RiskLevel, bool) {
	for lvl, name := range riskNames {
		if name == s {
			return lvl, true
		}
	}
	return RiskNone, false
}

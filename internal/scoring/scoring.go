// Package scoring maps incident categories to risk, severity, technique
// and kill-chain references.
package scoring

import (
	"strings"

	"sentinel-siem/internal/schema"
)

// Incident categories.
const (
	BruteForce          = "Brute Force Attack"
	CredentialEnum      = "Credential Enumeration"
	PrivilegeEscalation = "Privilege Escalation Attempt"

	PersistentBruteForce = "Persistent Brute Force"
	ActivityBurst        = "Abnormal Activity Burst"
	MultiSourceUser      = "Multi-Source User Activity"
	RareEntity           = "Rare Entity Observed"
)

// Risk bounds.
const (
	MinRisk = 1
	MaxRisk = 10
)

var baseRisk = map[string]int{
	BruteForce:          7,
	CredentialEnum:      5,
	PrivilegeEscalation: 9,
}

const unknownBaseRisk = 3

// Score returns base(category) + min(count/3, 3), capped at MaxRisk.
func Score(category string, count int) int {
	base, ok := baseRisk[category]
	if !ok {
		base = unknownBaseRisk
	}
	return min(base+min(max(count, 0)/3, 3), MaxRisk)
}

// SeverityFor buckets a risk score.
func SeverityFor(risk float64) schema.Severity {
	switch {
	case risk >= 8:
		return schema.SeverityHigh
	case risk >= 5:
		return schema.SeverityMedium
	default:
		return schema.SeverityLow
	}
}

// ClampRisk bounds risk to [floor, MaxRisk].
func ClampRisk(risk, floor float64) float64 {
	return min(max(risk, floor), MaxRisk)
}

var techniques = map[string]schema.Technique{
	BruteForce:     {ID: "T1110", Name: "Brute Force", Tactic: "Credential Access"},
	CredentialEnum: {ID: "T1087", Name: "Account Discovery", Tactic: "Discovery"},
}

// TechniqueFor returns the technique mapped to category.
func TechniqueFor(category string) (schema.Technique, bool) {
	t, ok := techniques[category]
	return t, ok
}

// BaseCategory maps a behavioral category to the category it is scored as.
func BaseCategory(category string) string {
	switch category {
	case PersistentBruteForce, ActivityBurst:
		return BruteForce
	case MultiSourceUser:
		return CredentialEnum
	}
	return category
}

// Kill-chain stages in attack order.
const (
	StageReconnaissance   = "Reconnaissance"
	StageDiscovery        = "Discovery"
	StageCredentialAccess = "Credential Access"
	StageLateralMovement  = "Lateral Movement"
	StageExfiltration     = "Exfiltration"
	StageImpact           = "Impact"
)

// KillChain returns the ordered list of stages.
func KillChain() []string {
	return []string{
		StageReconnaissance,
		StageDiscovery,
		StageCredentialAccess,
		StageLateralMovement,
		StageExfiltration,
		StageImpact,
	}
}

var stages = map[string]string{
	PersistentBruteForce: StageCredentialAccess,
	BruteForce:           StageCredentialAccess,
	CredentialEnum:       StageDiscovery,
	ActivityBurst:        StageReconnaissance,
	MultiSourceUser:      StageLateralMovement,
	RareEntity:           StageReconnaissance,
}

// KillChainStage returns the stage for category, or "Unknown".
func KillChainStage(category string) string {
	if s, ok := stages[category]; ok {
		return s
	}
	return "Unknown"
}

// Recommend returns remediation hints for an incident. invalid is the
// number of invalid-user events seen; public reports whether the source
// address is globally routable.
func Recommend(category string, invalid int, public bool) []string {
	var actions []string

	if strings.Contains(category, "Brute Force") {
		actions = append(actions,
			"Block offending IP at firewall or security group.",
			"Enable account lockout after repeated failures.",
			"Enforce MFA on affected accounts.",
		)
	}
	if strings.Contains(category, CredentialEnum) {
		actions = append(actions,
			"Rate-limit authentication attempts.",
			"Disable or rename default accounts.",
			"Enable login banner and monitoring.",
		)
	}
	if strings.Contains(category, MultiSourceUser) {
		actions = append(actions,
			"Verify user session legitimacy across IPs.",
			"Force password reset for the affected user.",
			"Review VPN and geo-access policies.",
		)
	}
	if invalid > 0 {
		actions = append(actions, "Harden SSH: disable password auth where possible.")
	}
	if public {
		actions = append(actions, "Check IP reputation with external threat intel.")
	}

	if len(actions) == 0 {
		return []string{"Monitor activity and collect additional context."}
	}
	return actions
}

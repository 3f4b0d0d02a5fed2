package correlation

import (
	"fmt"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
)

// BuiltinRules returns the correlation rules in evaluation order. The first
// matching rule wins.
func BuiltinRules(bruteForceThreshold int) []*Rule {
	return []*Rule{
		BruteForceRule(bruteForceThreshold),
		CredentialEnumerationRule(),
	}
}

// BruteForceRule fires on repeated failed logins from one address.
func BruteForceRule(threshold int) *Rule {
	if threshold <= 0 {
		threshold = 5
	}
	return &Rule{
		ID:          "correlation-brute-force",
		Name:        "Brute Force Attack",
		Category:    scoring.BruteForce,
		Description: "Repeated failed logins from the same source address",
		Condition:   fmt.Sprintf("failed >= %d", threshold),
		Confidence:  schema.ConfidenceHigh,
		Match: func(c Counts) (int, bool) {
			return c.Failed, c.Failed >= threshold
		},
	}
}

// CredentialEnumerationRule fires when failed logins are mixed with
// attempts against accounts that do not exist.
func CredentialEnumerationRule() *Rule {
	return &Rule{
		ID:          "correlation-credential-enumeration",
		Name:        "Credential Enumeration",
		Category:    scoring.CredentialEnum,
		Description: "Invalid usernames probed alongside failed logins",
		Condition:   "invalid > 0 && failed > 0",
		Confidence:  schema.ConfidenceMedium,
		Match: func(c Counts) (int, bool) {
			return c.Invalid + c.Failed, c.Invalid > 0 && c.Failed > 0
		},
	}
}

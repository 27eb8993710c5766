// Package billing maps subscription tiers to hard platform limits. There is
// no payment processing here; tiers are assigned administratively and the
// rest of the platform only asks what a tenant's tier allows.
package billing

import (
	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/store"
)

// Tier identifies a subscription level.
type Tier string

const (
	TierFree         Tier = "free"
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Unlimited marks a limit with no cap.
const Unlimited = -1

// Limits is what a tier entitles a tenant to.
type Limits struct {
	Tier           Tier `json:"tier"`
	MaxUsers       int  `json:"max_users"`
	MaxApps        int  `json:"max_apps"`
	MaxSSOConfigs  int  `json:"max_sso_configs"`
	AuditRetention int  `json:"audit_retention_days"`
	SSOEnabled     bool `json:"sso_enabled"`
}

var tierLimits = map[Tier]Limits{
	TierFree: {
		Tier:           TierFree,
		MaxUsers:       5,
		MaxApps:        1,
		MaxSSOConfigs:  0,
		AuditRetention: 7,
		SSOEnabled:     false,
	},
	TierBasic: {
		Tier:           TierBasic,
		MaxUsers:       25,
		MaxApps:        3,
		MaxSSOConfigs:  1,
		AuditRetention: 30,
		SSOEnabled:     true,
	},
	TierProfessional: {
		Tier:           TierProfessional,
		MaxUsers:       100,
		MaxApps:        10,
		MaxSSOConfigs:  3,
		AuditRetention: 90,
		SSOEnabled:     true,
	},
	TierEnterprise: {
		Tier:           TierEnterprise,
		MaxUsers:       Unlimited,
		MaxApps:        Unlimited,
		MaxSSOConfigs:  Unlimited,
		AuditRetention: 365,
		SSOEnabled:     true,
	},
}

// Valid reports whether t names a known tier.
func Valid(t Tier) bool {
	_, ok := tierLimits[t]
	return ok
}

// GetLimits returns the limits for a tier. Unknown tiers get the free
// limits so a bad row can never grant extra capacity.
func GetLimits(t Tier) Limits {
	if limits, ok := tierLimits[t]; ok {
		return limits
	}
	return tierLimits[TierFree]
}

// OrgLimits returns the effective limits for a tenant: the tier defaults
// with the organization row's per-customer overrides applied when set.
func OrgLimits(org *store.Organization) Limits {
	limits := GetLimits(Tier(org.Tier))
	if org.MaxUsers != nil {
		limits.MaxUsers = *org.MaxUsers
	}
	if org.MaxApps != nil {
		limits.MaxApps = *org.MaxApps
	}
	return limits
}

// CheckUserLimit returns a limit error when adding one more user would
// exceed the effective cap.
func CheckUserLimit(limits Limits, currentUsers int) error {
	if limits.MaxUsers == Unlimited {
		return nil
	}
	if currentUsers >= limits.MaxUsers {
		return autherr.Newf(autherr.KindLimitExceeded,
			"user limit reached for %s tier (%d)", limits.Tier, limits.MaxUsers)
	}
	return nil
}

// CheckSSOConfigLimit returns a limit error when the tier does not allow
// another SSO connection. Free-tier tenants cannot use SSO at all.
func CheckSSOConfigLimit(limits Limits, currentConfigs int) error {
	if !limits.SSOEnabled {
		return autherr.Newf(autherr.KindLimitExceeded,
			"sso is not available on the %s tier", limits.Tier)
	}
	if limits.MaxSSOConfigs == Unlimited {
		return nil
	}
	if currentConfigs >= limits.MaxSSOConfigs {
		return autherr.Newf(autherr.KindLimitExceeded,
			"sso connection limit reached for %s tier (%d)", limits.Tier, limits.MaxSSOConfigs)
	}
	return nil
}

// CheckAppLimit returns a limit error when enabling one more app would
// exceed the effective cap.
func CheckAppLimit(limits Limits, currentApps int) error {
	if limits.MaxApps == Unlimited {
		return nil
	}
	if currentApps >= limits.MaxApps {
		return autherr.Newf(autherr.KindLimitExceeded,
			"app limit reached for %s tier (%d)", limits.Tier, limits.MaxApps)
	}
	return nil
}

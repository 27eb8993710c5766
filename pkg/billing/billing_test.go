package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/store"
)

func TestGetLimits(t *testing.T) {
	tests := []struct {
		name     string
		tier     Tier
		maxUsers int
		sso      bool
	}{
		{"free", TierFree, 5, false},
		{"basic", TierBasic, 25, true},
		{"professional", TierProfessional, 100, true},
		{"enterprise", TierEnterprise, Unlimited, true},
		{"unknown falls back to free", Tier("platinum"), 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := GetLimits(tt.tier)
			assert.Equal(t, tt.maxUsers, limits.MaxUsers)
			assert.Equal(t, tt.sso, limits.SSOEnabled)
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(TierEnterprise))
	assert.False(t, Valid(Tier("platinum")))
}

func TestCheckUserLimit(t *testing.T) {
	assert.NoError(t, CheckUserLimit(GetLimits(TierFree), 4))

	err := CheckUserLimit(GetLimits(TierFree), 5)
	assert.Equal(t, autherr.KindLimitExceeded, autherr.KindOf(err))

	// Enterprise has no cap.
	assert.NoError(t, CheckUserLimit(GetLimits(TierEnterprise), 100000))
}

func TestCheckSSOConfigLimit(t *testing.T) {
	// Free tier has no SSO at all, regardless of count.
	err := CheckSSOConfigLimit(GetLimits(TierFree), 0)
	assert.Equal(t, autherr.KindLimitExceeded, autherr.KindOf(err))

	assert.NoError(t, CheckSSOConfigLimit(GetLimits(TierBasic), 0))
	err = CheckSSOConfigLimit(GetLimits(TierBasic), 1)
	assert.Equal(t, autherr.KindLimitExceeded, autherr.KindOf(err))

	assert.NoError(t, CheckSSOConfigLimit(GetLimits(TierEnterprise), 50))
}

func TestCheckAppLimit(t *testing.T) {
	assert.NoError(t, CheckAppLimit(GetLimits(TierProfessional), 9))

	err := CheckAppLimit(GetLimits(TierProfessional), 10)
	assert.Equal(t, autherr.KindLimitExceeded, autherr.KindOf(err))
}

func TestOrgLimits_Overrides(t *testing.T) {
	maxUsers, maxApps := 20, Unlimited
	org := &store.Organization{Tier: string(TierFree), MaxUsers: &maxUsers, MaxApps: &maxApps}

	limits := OrgLimits(org)
	assert.Equal(t, 20, limits.MaxUsers)
	assert.Equal(t, Unlimited, limits.MaxApps)
	// Overrides touch seats and apps only; the tier still gates SSO.
	assert.False(t, limits.SSOEnabled)

	assert.NoError(t, CheckUserLimit(limits, 19))
	err := CheckUserLimit(limits, 20)
	assert.Equal(t, autherr.KindLimitExceeded, autherr.KindOf(err))
	assert.NoError(t, CheckAppLimit(limits, 500))
}

func TestOrgLimits_NoOverridesUsesTierDefaults(t *testing.T) {
	org := &store.Organization{Tier: string(TierBasic)}
	assert.Equal(t, GetLimits(TierBasic), OrgLimits(org))
}

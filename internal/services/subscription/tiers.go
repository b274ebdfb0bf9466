package subscription

import "github.com/campusbridge/partner-api/internal/models"

// TierBenefits defines what a subscription tier grants each billing period.
type TierBenefits struct {
	Unlocks5Star models.Allowance
	Unlocks4Star models.Allowance
	Unlocks3Star models.Allowance

	WarmIntros models.Allowance

	// CreditStipend is added to the credit balance on every renewal.
	// Zero means the tier has no automatic stipend.
	CreditStipend int

	MaxTeamSeats int
}

// tierBenefits maps each tier to its monthly quota. Trial accounts pay for
// everything with credits.
var tierBenefits = map[models.SubscriptionTier]TierBenefits{
	models.TierTrial: {
		Unlocks5Star: models.FiniteAllowance(0),
		Unlocks4Star: models.FiniteAllowance(0),
		Unlocks3Star: models.FiniteAllowance(0),
		WarmIntros:   models.FiniteAllowance(0),
		MaxTeamSeats: 1,
	},
	models.TierMonthly: {
		Unlocks5Star: models.FiniteAllowance(1),
		Unlocks4Star: models.FiniteAllowance(5),
		Unlocks3Star: models.FiniteAllowance(10),
		WarmIntros:   models.FiniteAllowance(2),
		MaxTeamSeats: 5,
	},
	models.TierEnterprise: {
		Unlocks5Star:  models.FiniteAllowance(5),
		Unlocks4Star:  models.FiniteAllowance(25),
		Unlocks3Star:  models.UnlimitedAllowance(),
		WarmIntros:    models.FiniteAllowance(10),
		CreditStipend: 500,
		MaxTeamSeats:  25,
	},
}

// BenefitsForTier returns the quota table entry for a tier, defaulting to
// trial for unknown tiers.
func BenefitsForTier(tier models.SubscriptionTier) TierBenefits {
	if benefits, ok := tierBenefits[tier]; ok {
		return benefits
	}
	return tierBenefits[models.TierTrial]
}

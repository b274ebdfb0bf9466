package entitlement

import "github.com/campusbridge/partner-api/internal/models"

// Band is the discrete pricing/allowance band a chapter's continuous quality
// rating maps onto. The mapping is monotonic: a higher rating never lands in
// a cheaper band.
type Band int

const (
	// BandNone covers ratings below 3.0; unlocks are cheap and never
	// subscription funded.
	BandNone Band = iota
	BandThreeStar
	BandFourStar
	BandFiveStar
)

func (b Band) String() string {
	switch b {
	case BandFiveStar:
		return "5star"
	case BandFourStar:
		return "4star"
	case BandThreeStar:
		return "3star"
	default:
		return "none"
	}
}

// RatingToBand maps a 0.0-5.0 quality rating to its allowance band.
func RatingToBand(rating float64) Band {
	switch {
	case rating >= 5.0:
		return BandFiveStar
	case rating >= 4.0:
		return BandFourStar
	case rating >= 3.0:
		return BandThreeStar
	default:
		return BandNone
	}
}

// CreditCost prices a full unlock from the chapter's rating. Enterprise
// accounts get the top band at half price.
func CreditCost(rating float64, tier models.SubscriptionTier) int {
	switch {
	case rating >= 5.0:
		if tier == models.TierEnterprise {
			return 5
		}
		return 10
	case rating >= 4.5:
		return 7
	case rating >= 4.0:
		return 5
	case rating >= 3.5:
		return 3
	case rating >= 3.0:
		return 2
	default:
		return 1
	}
}

// Warm introduction price list. Premium-flagged chapters have a negotiated
// discounted rate.
const (
	warmIntroCost        = 100
	warmIntroPremiumCost = 20
)

// WarmIntroCost prices a warm-introduction request.
func WarmIntroCost(premium bool) int {
	if premium {
		return warmIntroPremiumCost
	}
	return warmIntroCost
}

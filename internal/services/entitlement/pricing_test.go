package entitlement

import (
	"testing"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestRatingToBand(t *testing.T) {
	tests := []struct {
		rating float64
		want   Band
	}{
		{5.0, BandFiveStar},
		{4.9, BandFourStar},
		{4.0, BandFourStar},
		{3.9, BandThreeStar},
		{3.0, BandThreeStar},
		{2.9, BandNone},
		{0.0, BandNone},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RatingToBand(tt.rating), "rating %.1f", tt.rating)
	}
}

func TestCreditCostBands(t *testing.T) {
	tests := []struct {
		name   string
		rating float64
		tier   models.SubscriptionTier
		want   int
	}{
		{name: "five star", rating: 5.0, tier: models.TierTrial, want: 10},
		{name: "high four star", rating: 4.5, tier: models.TierTrial, want: 7},
		{name: "four star", rating: 4.0, tier: models.TierMonthly, want: 5},
		{name: "high three star", rating: 3.5, tier: models.TierMonthly, want: 3},
		{name: "three star", rating: 3.0, tier: models.TierTrial, want: 2},
		{name: "below three star", rating: 2.1, tier: models.TierTrial, want: 1},
		{name: "zero rating", rating: 0, tier: models.TierTrial, want: 1},
		{name: "enterprise pays half for five star", rating: 5.0, tier: models.TierEnterprise, want: 5},
		{name: "enterprise discount only applies to five star", rating: 4.5, tier: models.TierEnterprise, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CreditCost(tt.rating, tt.tier))
		})
	}
}

func TestWarmIntroCost(t *testing.T) {
	assert.Equal(t, 100, WarmIntroCost(false))
	assert.Equal(t, 20, WarmIntroCost(true))
}

func TestBandString(t *testing.T) {
	assert.Equal(t, "5star", BandFiveStar.String())
	assert.Equal(t, "4star", BandFourStar.String())
	assert.Equal(t, "3star", BandThreeStar.String())
	assert.Equal(t, "none", BandNone.String())
}

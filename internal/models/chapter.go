package models

import "time"

// Chapter is a campus organization chapter whose contact data is gated
// behind an unlock. QualityRating is a continuous 0.0-5.0 score; pricing
// maps it onto discrete bands at unlock time only.
type Chapter struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"not null" json:"name"`
	University string `gorm:"index" json:"university"`

	QualityRating float64 `gorm:"not null;default:0" json:"quality_rating"`

	// Premium marks chapters with a discounted warm-introduction rate
	// negotiated through an existing relationship.
	Premium bool `gorm:"not null;default:false" json:"premium"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

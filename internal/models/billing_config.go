package models

// BillingConfig wires the Stripe gateway and the catalog of purchasable
// subscription tiers.
type BillingConfig struct {
	Stripe StripeConfig `json:"stripe" yaml:"stripe"`

	// TierPrices maps a subscription tier name to its Stripe price id.
	TierPrices map[string]string `json:"tier_prices,omitempty" yaml:"tier_prices,omitempty"`

	SuccessURL string `json:"success_url,omitzero" yaml:"success_url"`
	CancelURL  string `json:"cancel_url,omitzero" yaml:"cancel_url"`
}

type StripeConfig struct {
	SecretKey     string `json:"secret_key" yaml:"secret_key"`
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
}

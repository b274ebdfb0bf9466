package models

// AutoReloadConfig controls the background sweep that tops up accounts whose
// dollar balance has dropped below their configured threshold.
type AutoReloadConfig struct {
	// SweepIntervalMinutes is how often the scheduler scans for low
	// balances. Zero disables the sweep; manual triggers still work.
	SweepIntervalMinutes int `json:"sweep_interval_minutes,omitzero" yaml:"sweep_interval_minutes"`

	// LockTTLMinutes bounds the per-company Redis lock that prevents two
	// concurrent triggers from double-charging the same low-balance period.
	LockTTLMinutes int `json:"lock_ttl_minutes,omitzero" yaml:"lock_ttl_minutes"`
}

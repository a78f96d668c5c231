package models

import "time"

// QuotaScope names one of the two rolling windows a QuotaProfile tracks.
type QuotaScope string

const (
	ScopeDaily   QuotaScope = "daily"
	ScopeMonthly QuotaScope = "monthly"
)

func (s QuotaScope) Valid() bool {
	return s == ScopeDaily || s == ScopeMonthly
}

type QuotaProfile struct {
	UserID           string    `json:"user_id"`
	DailyLimit       int       `json:"daily_limit"`
	MonthlyLimit     int       `json:"monthly_limit"`
	CurrentDaily     int       `json:"current_daily"`
	CurrentMonthly   int       `json:"current_monthly"`
	LastResetDaily   time.Time `json:"last_reset_daily"`
	LastResetMonthly time.Time `json:"last_reset_monthly"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// QuotaStatus is the reset-aware view of a profile returned to callers.
type QuotaStatus struct {
	UserID           string    `json:"user_id"`
	DailyLimit       int       `json:"daily_limit"`
	MonthlyLimit     int       `json:"monthly_limit"`
	CurrentDaily     int       `json:"current_daily"`
	CurrentMonthly   int       `json:"current_monthly"`
	RemainingDaily   int       `json:"remaining_daily"`
	RemainingMonthly int       `json:"remaining_monthly"`
	IsActive         bool      `json:"is_active"`
	LastResetDaily   time.Time `json:"last_reset_daily"`
	LastResetMonthly time.Time `json:"last_reset_monthly"`
	NextResetDaily   time.Time `json:"next_reset_daily"`
	NextResetMonthly time.Time `json:"next_reset_monthly"`
}

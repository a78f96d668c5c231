package models

import "time"

type UsageType string

const (
	UsageChat           UsageType = "chat"
	UsageAnalysis       UsageType = "analysis"
	UsageRecommendation UsageType = "recommendation"
	UsageGeneral        UsageType = "general"
)

// ParseUsageType maps unknown or empty values to UsageGeneral.
func ParseUsageType(s string) UsageType {
	switch t := UsageType(s); t {
	case UsageChat, UsageAnalysis, UsageRecommendation, UsageGeneral:
		return t
	default:
		return UsageGeneral
	}
}

// UsageEvent is one billable action. Events are append-only.
type UsageEvent struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id,omitempty"`
	UsageType    UsageType `json:"usage_type"`
	RequestCount int       `json:"request_count"`
	TokenCount   *int64    `json:"token_count,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
	UsageDate    time.Time `json:"usage_date"`
	CreatedAt    time.Time `json:"created_at"`
}

type UsageSummary struct {
	UserID       string    `json:"user_id"`
	Since        time.Time `json:"since"`
	Until        time.Time `json:"until"`
	RequestCount int64     `json:"request_count"`
	TokenCount   int64     `json:"token_count"`
	Cost         float64   `json:"cost"`
	EventCount   int64     `json:"event_count"`
}

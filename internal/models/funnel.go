package models

import "time"

// Funnel and Dataset are owned by the CRUD side of the product; this
// service only reads them.
type Funnel struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

type NodeMetric struct {
	Node        string  `json:"node"`
	Visitors    int64   `json:"visitors"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

type Dataset struct {
	FunnelID    string       `json:"funnel_id"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	Metrics     []NodeMetric `json:"metrics"`
}

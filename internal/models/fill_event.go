package models

import "gorm.io/gorm"

// FillEvent is one terminal exit-order classification, kept as a permanent
// audit row. Decimal amounts are stored as strings to stay exact.
type FillEvent struct {
	gorm.Model
	Symbol         string `json:"symbol" gorm:"index"`
	OrderRef       string `json:"order_ref" gorm:"index"`
	Role           string `json:"role"`
	Classification string `json:"classification"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	PriceEstimated bool   `json:"price_estimated"`
	ProfitLoss     string `json:"profit_loss,omitempty"`
	ProfitLossPct  string `json:"profit_loss_pct,omitempty"`
	CycleID        string `json:"cycle_id" gorm:"index"`
	Note           string `json:"note,omitempty"`
}

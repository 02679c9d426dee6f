package models

import (
	"time"

	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// GrossAmount is round(net * (1 + vat/100), 2).
func GrossAmount(net, vatRate decimal.Decimal) decimal.Decimal {
	return net.Mul(decimal.NewFromInt(1).Add(vatRate.Div(hundred))).Round(2)
}

// calculateDueDate falls back to issue date + partner payment terms.
func calculateDueDate(issueDate time.Time, termDays int) time.Time {
	if termDays < 0 {
		termDays = 0
	}
	return utils.DateOnly(issueDate).AddDate(0, 0, termDays)
}

// Today is overridable so schedulers and tests agree on the calendar day.
var Today = func() time.Time {
	return utils.DateOnly(time.Now())
}

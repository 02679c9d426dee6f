package workflow

import (
	"context"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SweepResult struct {
	SalesChecked    int `json:"sales_checked"`
	SalesChanged    int `json:"sales_changed"`
	PurchaseChecked int `json:"purchase_checked"`
	PurchaseChanged int `json:"purchase_changed"`
	Failed          int `json:"failed"`
}

// SweepOverdue reconciles every invoice that is not paid yet so status and
// overdue_days follow the calendar. A failing invoice is logged and skipped.
func SweepOverdue(ctx context.Context, db *gorm.DB) (*SweepResult, error) {
	if db == nil {
		db = config.GetDB()
	}
	logger := config.GetLogger()
	res := &SweepResult{}

	var salesIDs []int
	if err := db.WithContext(ctx).Model(&models.SalesInvoice{}).
		Where("payment_status <> ?", models.PaymentStatusPaid).
		Order("id").Pluck("id", &salesIDs).Error; err != nil {
		return nil, utils.DataError(err, "list open sales invoices")
	}
	for _, id := range salesIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.SalesChecked++
		changed, err := models.Reconcile(ctx, &models.SalesInvoice{ID: id})
		if err != nil {
			res.Failed++
			config.LogError(logger, "OverdueSweeper", "SweepOverdue", "reconcile sales invoice", id, err)
			continue
		}
		if changed {
			res.SalesChanged++
		}
	}

	var purchaseIDs []int
	if err := db.WithContext(ctx).Model(&models.PurchaseInvoice{}).
		Where("payment_status <> ?", models.PaymentStatusPaid).
		Order("id").Pluck("id", &purchaseIDs).Error; err != nil {
		return res, utils.DataError(err, "list open purchase invoices")
	}
	for _, id := range purchaseIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.PurchaseChecked++
		changed, err := models.Reconcile(ctx, &models.PurchaseInvoice{ID: id})
		if err != nil {
			res.Failed++
			config.LogError(logger, "OverdueSweeper", "SweepOverdue", "reconcile purchase invoice", id, err)
			continue
		}
		if changed {
			res.PurchaseChanged++
		}
	}

	config.LogInfo(logger, "OverdueSweeper", "SweepOverdue", "overdue sweep finished", logrus.Fields{
		"sales_checked":    res.SalesChecked,
		"sales_changed":    res.SalesChanged,
		"purchase_checked": res.PurchaseChecked,
		"purchase_changed": res.PurchaseChanged,
		"failed":           res.Failed,
	})
	return res, nil
}

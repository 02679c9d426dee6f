package models

import (
	"context"
	"log"

	"github.com/mmdatafocus/tms_backend/config"
)

// AllModels is the migration list; order respects foreign keys.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &Partner{}, &Contact{},
		&Order{}, &OrderCarrier{}, &CargoItem{},
		&SalesInvoice{}, &PurchaseInvoice{}, &PurchaseInvoiceOrder{}, &InvoicePayment{}, &InvoiceReminder{},
		&StatusTransitionRule{}, &ActivityLog{}, &Sequence{},
		&MailTag{}, &MailMessage{}, &MailAttachment{}, &MailSyncState{}, &TrustedSender{}, &PromotionalDomain{},
		&EmailLog{}, &NotificationSettings{}, &OutboxEvent{},
	}
}

func MigrateTable() {
	db := config.GetDB()

	if err := SetupJoinTables(db); err != nil {
		log.Fatal(err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		log.Fatal(err)
	}
}

// SeedDefaults fills the rule table and the settings row on a fresh database.
func SeedDefaults(ctx context.Context) error {
	if err := SeedDefaultStatusRules(ctx); err != nil {
		return err
	}
	return SeedNotificationSettings(ctx)
}

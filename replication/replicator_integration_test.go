package replication_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/internal/testenv"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/replication"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupReplica(t *testing.T) (*replication.Replicator, *gorm.DB) {
	t.Helper()
	testenv.Setup(t)

	pgName, pgPort := testenv.StartPostgresContainer(t)
	t.Cleanup(func() { _ = testenv.DockerRmForce(pgName) })
	t.Setenv("REPLICA_DRIVER", config.ReplicaDriverPostgres)
	t.Setenv("REPLICA_DSN", fmt.Sprintf("host=127.0.0.1 port=%s user=postgres password=testpw dbname=tms_replica sslmode=disable", pgPort))
	config.SetReplicaDB(nil)
	t.Cleanup(func() { config.SetReplicaDB(nil) })

	reg, err := replication.NewRegistry(config.GetDB())
	require.NoError(t, err)
	r := replication.New(config.GetDB(), reg)
	r.RetryBackoff = 50 * time.Millisecond
	require.NoError(t, r.MigrateReplica(context.Background()))
	require.NoError(t, config.GetDB().Use(&replication.Plugin{Replicator: r}))
	r.Start(context.Background())
	t.Cleanup(r.Close)

	replica, err := config.GetReplicaDB()
	require.NoError(t, err)
	return r, replica
}

func flush(t *testing.T, r *replication.Replicator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
}

func TestReplicator_MirrorsWrites(t *testing.T) {
	r, replica := setupReplica(t)
	ctx := context.Background()

	report := r.TestConnections(ctx)
	require.True(t, report.OK(), "primary=%v replica=%v", report.Primary, report.Replica)

	client := &models.Partner{Name: "Klientas UAB", Email: "client@c.lt", IsClient: true}
	require.NoError(t, models.CreatePartner(ctx, client))
	order := &models.Order{ClientId: client.ID, OrderDate: time.Now(), PriceNet: decimal.NewFromInt(500)}
	require.NoError(t, models.CreateOrder(ctx, order))
	inv := &models.SalesInvoice{
		PartnerId:     client.ID,
		DueDate:       utils.DateOnly(time.Now()).AddDate(0, 0, 10),
		AmountNet:     decimal.NewFromInt(500),
		VatRate:       decimal.NewFromInt(21),
		RelatedOrders: []models.Order{{ID: order.ID}},
	}
	require.NoError(t, models.CreateSalesInvoice(ctx, inv))
	flush(t, r)

	var mirrored models.SalesInvoice
	require.NoError(t, replica.First(&mirrored, inv.ID).Error)
	assert.Equal(t, inv.InvoiceNumber, mirrored.InvoiceNumber)
	assert.True(t, mirrored.AmountTotal.Equal(decimal.RequireFromString("605.00")))

	var links int64
	require.NoError(t, replica.Table("sales_invoice_orders").Where("sales_invoice_id = ?", inv.ID).Count(&links).Error)
	assert.Equal(t, int64(1), links)

	var mirroredOrder models.Order
	require.NoError(t, replica.First(&mirroredOrder, order.ID).Error)
	assert.Equal(t, order.OrderNumber, mirroredOrder.OrderNumber)

	// keyless bulk update still reaches the replica
	require.NoError(t, config.GetDB().Model(&models.Partner{}).Where("name = ?", "Klientas UAB").
		Update("email", "billing@c.lt").Error)
	flush(t, r)
	var p models.Partner
	require.NoError(t, replica.First(&p, client.ID).Error)
	assert.Equal(t, "billing@c.lt", p.Email)

	// unregistered tables never reach the replica
	assert.False(t, replica.Migrator().HasTable(&models.MailMessage{}))
}

func TestReplicator_RolledBackWriteIsNotMirrored(t *testing.T) {
	r, replica := setupReplica(t)
	ctx := context.Background()

	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.Partner{Name: "Ghost UAB"}).Error; err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)
	flush(t, r)

	var n int64
	require.NoError(t, replica.Model(&models.Partner{}).Where("name = ?", "Ghost UAB").Count(&n).Error)
	assert.Zero(t, n)
}

func TestReplicator_DeleteAndBulkSync(t *testing.T) {
	r, replica := setupReplica(t)
	ctx := context.Background()

	partner := &models.Partner{Name: "Vežėjas UAB", IsSupplier: true}
	require.NoError(t, models.CreatePartner(ctx, partner))
	contact := &models.Contact{PartnerId: partner.ID, Email: "ops@vezejas.lt"}
	require.NoError(t, models.CreateContact(ctx, contact))
	flush(t, r)

	require.NoError(t, config.GetDB().Delete(contact).Error)
	flush(t, r)
	var n int64
	require.NoError(t, replica.Model(&models.Contact{}).Where("id = ?", contact.ID).Count(&n).Error)
	assert.Zero(t, n)

	// writes marked to skip replication are recovered by a bulk sync
	skipCtx := utils.SetSkipReplicationInContext(ctx, true)
	require.NoError(t, config.GetDB().WithContext(skipCtx).Create(&models.Partner{Name: "Tylus UAB"}).Error)
	flush(t, r)
	require.NoError(t, replica.Model(&models.Partner{}).Where("name = ?", "Tylus UAB").Count(&n).Error)
	assert.Zero(t, n)

	synced, err := r.BulkSync(ctx, "partner", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, synced)
	require.NoError(t, replica.Model(&models.Partner{}).Where("name = ?", "Tylus UAB").Count(&n).Error)
	assert.Equal(t, int64(1), n)

	require.NoError(t, r.Clear(ctx))
	require.NoError(t, replica.Model(&models.Partner{}).Count(&n).Error)
	assert.Zero(t, n)
}

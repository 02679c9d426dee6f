package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Order struct {
	ID          int         `gorm:"primary_key" json:"id"`
	OrderNumber string      `gorm:"size:50;uniqueIndex;not null" json:"order_number"`
	ClientId    int         `gorm:"index;not null" json:"client_id" validate:"required"`
	Client      *Partner    `gorm:"foreignKey:ClientId;constraint:OnDelete:RESTRICT" json:"client,omitempty"`
	ManagerId   *int        `gorm:"index" json:"manager_id"`
	Manager     *User       `gorm:"foreignKey:ManagerId;constraint:OnDelete:SET NULL" json:"manager,omitempty"`
	Status      OrderStatus `gorm:"size:30;not null;default:new;index" json:"status"`

	RouteFromCountry    string `gorm:"size:2;default:null" json:"route_from_country"`
	RouteFromPostalCode string `gorm:"size:20;default:null" json:"route_from_postal_code"`
	RouteFromCity       string `gorm:"size:100;default:null" json:"route_from_city"`
	RouteFromAddress    string `gorm:"size:255;default:null" json:"route_from_address"`
	RouteToCountry      string `gorm:"size:2;default:null" json:"route_to_country"`
	RouteToPostalCode   string `gorm:"size:20;default:null" json:"route_to_postal_code"`
	RouteToCity         string `gorm:"size:100;default:null" json:"route_to_city"`
	RouteToAddress      string `gorm:"size:255;default:null" json:"route_to_address"`
	RouteFreeForm       string `gorm:"type:text;default:null" json:"route_free_form"`

	OrderDate     time.Time  `gorm:"not null" json:"order_date"`
	LoadingDate   *time.Time `json:"loading_date"`
	UnloadingDate *time.Time `json:"unloading_date"`

	PriceNet       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price_net"`
	ClientPriceNet decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"client_price_net"`
	MyPriceNet     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"my_price_net"`
	VatRate        decimal.Decimal `gorm:"type:decimal(5,2);default:0" json:"vat_rate"`

	IsPartial     bool          `gorm:"not null;default:false" json:"is_partial"`
	Hazardous     bool          `gorm:"not null;default:false" json:"hazardous"`
	Notes         string        `gorm:"type:text;default:null" json:"notes"`
	PaymentStatus PaymentStatus `gorm:"size:20;not null;default:unpaid" json:"payment_status"`

	Carriers  []OrderCarrier `gorm:"foreignKey:OrderId;constraint:OnDelete:CASCADE" json:"carriers"`
	Cargo     []CargoItem    `gorm:"foreignKey:OrderId;constraint:OnDelete:CASCADE" json:"cargo"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderCarrier is one subcontracted leg (expedition) of an order.
type OrderCarrier struct {
	ID                  int                  `gorm:"primary_key" json:"id"`
	OrderId             int                  `gorm:"index;not null" json:"order_id"`
	PartnerId           *int                 `gorm:"index" json:"partner_id"`
	Partner             *Partner             `gorm:"foreignKey:PartnerId;constraint:OnDelete:RESTRICT" json:"partner,omitempty"`
	SequenceOrder       int                  `gorm:"not null;default:0" json:"sequence_order"`
	ExpeditionNumber    *string              `gorm:"size:50;uniqueIndex" json:"expedition_number"`
	PriceNet            decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"price_net"`
	RouteFrom           string               `gorm:"size:255;default:null" json:"route_from"`
	RouteTo             string               `gorm:"size:255;default:null" json:"route_to"`
	LoadingDate         *time.Time           `json:"loading_date"`
	UnloadingDate       *time.Time           `json:"unloading_date"`
	PaymentStatus       CarrierPaymentStatus `gorm:"size:20;not null;default:not_paid" json:"payment_status"`
	InvoiceReceived     bool                 `gorm:"not null;default:false" json:"invoice_received"`
	InvoiceReceivedDate *time.Time           `json:"invoice_received_date"`
	DueDate             *time.Time           `json:"due_date"`
	PaymentTerms        string               `gorm:"size:100;default:null" json:"payment_terms"`
	CreatedAt           time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type CargoItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderId     int             `gorm:"index;not null" json:"order_id"`
	Description string          `gorm:"size:255;default:null" json:"description"`
	WeightKg    decimal.Decimal `gorm:"type:decimal(12,3);default:0" json:"weight_kg"`
	Ldm         decimal.Decimal `gorm:"type:decimal(8,2);default:0" json:"ldm"`
	LengthCm    int             `gorm:"default:0" json:"length_cm"`
	WidthCm     int             `gorm:"default:0" json:"width_cm"`
	HeightCm    int             `gorm:"default:0" json:"height_cm"`
	PalletCount int             `gorm:"default:0" json:"pallet_count"`
	IsStackable bool            `gorm:"not null;default:true" json:"is_stackable"`
	IsFragile   bool            `gorm:"not null;default:false" json:"is_fragile"`
	IsHazardous bool            `gorm:"not null;default:false" json:"is_hazardous"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// CreateOrder allocates the order number (when empty) and expedition numbers for
// carriers that have none, all in one transaction.
func CreateOrder(ctx context.Context, o *Order) error {
	if err := utils.ValidateStruct(o); err != nil {
		return err
	}
	settings, err := GetNotificationSettings(ctx)
	if err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if o.OrderNumber == "" {
			n, err := NextNumberTx(tx, ScopeOrder, settings.OrderNumberPrefix, settings.OrderNumberWidth)
			if err != nil {
				return err
			}
			o.OrderNumber = n
		}
		if o.Status == "" {
			o.Status = OrderStatusNew
		}
		if o.OrderDate.IsZero() {
			o.OrderDate = utils.DateOnly(time.Now())
		}
		for i := range o.Carriers {
			if err := assignExpeditionNumber(tx, &o.Carriers[i], settings); err != nil {
				return err
			}
		}
		return utils.TranslateDBError(tx.Create(o).Error, "order")
	})
}

// AddOrderCarrier attaches a leg to an existing order.
func AddOrderCarrier(ctx context.Context, c *OrderCarrier) error {
	settings, err := GetNotificationSettings(ctx)
	if err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Order{}).Where("id = ?", c.OrderId).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return utils.NotFound("order %d not found", c.OrderId)
		}
		if err := assignExpeditionNumber(tx, c, settings); err != nil {
			return err
		}
		return utils.TranslateDBError(tx.Create(c).Error, "expedition number")
	})
}

func assignExpeditionNumber(tx *gorm.DB, c *OrderCarrier, settings *NotificationSettings) error {
	if c.ExpeditionNumber != nil && *c.ExpeditionNumber != "" {
		return nil
	}
	n, err := NextNumberTx(tx, ScopeExpedition, settings.ExpeditionNumberPrefix, settings.ExpeditionNumberWidth)
	if err != nil {
		return err
	}
	c.ExpeditionNumber = &n
	return nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	return utils.FetchModel[Order](ctx, id, "Carriers", "Cargo")
}

package replication

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mmdatafocus/tms_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// joinSpec is a link table copied as a whole set for its owner row.
type joinSpec struct {
	Table       string
	OwnerColumn string
	// NewRows returns a pointer to an empty slice of row structs
	NewRows func() any
}

// Entity is one mirrored model.
type Entity struct {
	Name      string
	Table     string
	PKColumns []string
	New       func() any
	joins     []joinSpec
}

type salesInvoiceOrder struct {
	SalesInvoiceId int `gorm:"primaryKey"`
	OrderId        int `gorm:"primaryKey"`
}

func (salesInvoiceOrder) TableName() string { return "sales_invoice_orders" }

type entityDef struct {
	name  string
	new   func() any
	joins []joinSpec
}

// order matters: parents before children for BulkSync of everything
var entityDefs = []entityDef{
	{name: "Partner", new: func() any { return &models.Partner{} }},
	{name: "Contact", new: func() any { return &models.Contact{} }},
	{name: "Order", new: func() any { return &models.Order{} }},
	{name: "OrderCarrier", new: func() any { return &models.OrderCarrier{} }},
	{name: "CargoItem", new: func() any { return &models.CargoItem{} }},
	{name: "SalesInvoice", new: func() any { return &models.SalesInvoice{} }, joins: []joinSpec{{
		Table:       "sales_invoice_orders",
		OwnerColumn: "sales_invoice_id",
		NewRows:     func() any { return &[]salesInvoiceOrder{} },
	}}},
	{name: "PurchaseInvoice", new: func() any { return &models.PurchaseInvoice{} }, joins: []joinSpec{{
		Table:       "purchase_invoice_orders",
		OwnerColumn: "purchase_invoice_id",
		NewRows:     func() any { return &[]models.PurchaseInvoiceOrder{} },
	}}},
	{name: "PurchaseInvoiceOrder", new: func() any { return &models.PurchaseInvoiceOrder{} }},
	{name: "InvoicePayment", new: func() any { return &models.InvoicePayment{} }},
}

// Registry resolves tables to mirrored entities.
type Registry struct {
	entities []*Entity
	byTable  map[string]*Entity
	byName   map[string]*Entity
	// join table -> owning entity
	joinOwners map[string]joinOwner
}

type joinOwner struct {
	Entity      *Entity
	OwnerColumn string
}

var (
	registryOnce sync.Once
	registry     *Registry
	registryErr  error
)

// DefaultRegistry parses the registered models with db's naming strategy.
func DefaultRegistry(db *gorm.DB) (*Registry, error) {
	registryOnce.Do(func() {
		registry, registryErr = NewRegistry(db)
	})
	return registry, registryErr
}

func NewRegistry(db *gorm.DB) (*Registry, error) {
	var namer schema.Namer = schema.NamingStrategy{}
	if db != nil && db.Config != nil && db.NamingStrategy != nil {
		namer = db.NamingStrategy
	}
	cache := &sync.Map{}
	r := &Registry{
		byTable:    map[string]*Entity{},
		byName:     map[string]*Entity{},
		joinOwners: map[string]joinOwner{},
	}
	for _, def := range entityDefs {
		sch, err := schema.Parse(def.new(), cache, namer)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", def.name, err)
		}
		var pks []string
		for _, f := range sch.PrimaryFields {
			pks = append(pks, f.DBName)
		}
		if len(pks) == 0 {
			return nil, fmt.Errorf("%s has no primary key", def.name)
		}
		e := &Entity{
			Name:      def.name,
			Table:     sch.Table,
			PKColumns: pks,
			New:       def.new,
			joins:     def.joins,
		}
		r.entities = append(r.entities, e)
		r.byTable[e.Table] = e
		r.byName[strings.ToLower(e.Name)] = e
	}
	for _, e := range r.entities {
		for _, j := range e.joins {
			// purchase_invoice_orders rows resolve to their own entity first (see Plugin.target)
			r.joinOwners[j.Table] = joinOwner{Entity: e, OwnerColumn: j.OwnerColumn}
		}
	}
	return r, nil
}

func (r *Registry) Entities() []*Entity { return r.entities }

// Lookup accepts the model name in any case ("salesinvoice") or the table name.
func (r *Registry) Lookup(name string) (*Entity, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if e, ok := r.byName[key]; ok {
		return e, true
	}
	e, ok := r.byTable[key]
	return e, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out
}

// Job identifies one row to mirror. Keys holds every primary key column.
type Job struct {
	Table string
	Keys  map[string]any
}

func (j Job) ID() string {
	cols := make([]string, 0, len(j.Keys))
	for c := range j.Keys {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	var b strings.Builder
	b.WriteString(j.Table)
	for _, c := range cols {
		fmt.Fprintf(&b, "|%s=%v", c, j.Keys[c])
	}
	return b.String()
}

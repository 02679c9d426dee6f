package models

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatusTransitionRule lists the statuses reachable from (entity_type, current_status).
type StatusTransitionRule struct {
	ID                  int        `gorm:"primary_key" json:"id"`
	EntityType          EntityType `gorm:"size:50;not null;uniqueIndex:idx_rule_entity_status,priority:1" json:"entity_type" validate:"required"`
	CurrentStatus       string     `gorm:"size:30;not null;uniqueIndex:idx_rule_entity_status,priority:2" json:"current_status" validate:"required"`
	AllowedNextStatuses string     `gorm:"size:500;not null;default:''" json:"allowed_next_statuses"`
	IsActive            bool       `gorm:"not null;default:true" json:"is_active"`
	SortOrder           int        `gorm:"not null;default:0" json:"sort_order"`
	Description         string     `gorm:"size:255;default:null" json:"description"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *StatusTransitionRule) AllowedNext() []string {
	var out []string
	for _, s := range strings.Split(r.AllowedNextStatuses, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *StatusTransitionRule) SetAllowedNext(statuses []string) {
	r.AllowedNextStatuses = strings.Join(utils.UniqueSlice(statuses), ",")
}

type ruleKey struct {
	entity EntityType
	status string
}

type statusRuleCache struct {
	mu sync.RWMutex
	// gen moves on every clear; a reload that started before a clear is dropped
	gen      uint64
	loadedAt time.Time
	rules    map[ruleKey][]string
}

// rules written by other processes show up after at most ruleCacheTTL
const ruleCacheTTL = 5 * time.Minute

var (
	ruleCache    = &statusRuleCache{}
	ruleCacheNow = time.Now
)

// ClearStatusRuleCache drops the in-process rule map; the next lookup reloads it.
func ClearStatusRuleCache() {
	ruleCache.mu.Lock()
	ruleCache.gen++
	ruleCache.rules = nil
	ruleCache.mu.Unlock()
}

func (c *statusRuleCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *statusRuleCache) lookup(key ruleKey) ([]string, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rules == nil || ruleCacheNow().Sub(c.loadedAt) > ruleCacheTTL {
		return nil, false, false
	}
	v, ok := c.rules[key]
	return v, ok, true
}

// store keeps m only if no clear happened since gen was read.
func (c *statusRuleCache) store(gen uint64, m map[ruleKey][]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.rules = m
	c.loadedAt = ruleCacheNow()
	return true
}

func (c *statusRuleCache) reload(tx *gorm.DB) (map[ruleKey][]string, error) {
	gen := c.generation()
	var rows []StatusTransitionRule
	if err := tx.Where("is_active = ?", true).Order("sort_order ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	m := make(map[ruleKey][]string, len(rows))
	for i := range rows {
		m[ruleKey{rows[i].EntityType, rows[i].CurrentStatus}] = rows[i].AllowedNext()
	}
	c.store(gen, m)
	return m, nil
}

// allowedTx returns the ordered next statuses. A key missing from a loaded cache
// triggers one reload so rules written by another process are picked up.
func allowedTx(tx *gorm.DB, entity EntityType, current string) ([]string, error) {
	key := ruleKey{entity, current}
	v, ok, loaded := ruleCache.lookup(key)
	if loaded && ok {
		return v, nil
	}
	m, err := ruleCache.reload(tx)
	if err != nil {
		return nil, err
	}
	return m[key], nil
}

// AllowedTransitions backs GET allowed-transitions.
func AllowedTransitions(ctx context.Context, entity EntityType, current string) ([]string, error) {
	db := config.GetDB()
	v, err := allowedTx(db.WithContext(ctx), entity, current)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []string{}
	}
	return v, nil
}

func IsTransitionAllowed(allowed []string, next string) bool {
	for _, s := range allowed {
		if s == next {
			return true
		}
	}
	return false
}

func SaveStatusRule(ctx context.Context, r *StatusTransitionRule) error {
	if err := utils.ValidateStruct(r); err != nil {
		return err
	}
	db := config.GetDB()
	err := db.WithContext(ctx).Save(r).Error
	// the save hook clears before commit; clear again once the row is visible
	ClearStatusRuleCache()
	return utils.TranslateDBError(err, "status rule")
}

func DeleteStatusRule(ctx context.Context, id int) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r StatusTransitionRule
		if err := tx.First(&r, id).Error; err != nil {
			return utils.TranslateDBError(err, "status rule")
		}
		return tx.Delete(&r).Error
	})
	ClearStatusRuleCache()
	return err
}

// DefaultStatusRules is the rule set a fresh install starts with.
func DefaultStatusRules() []StatusTransitionRule {
	type def struct {
		entity  EntityType
		current string
		next    []string
	}
	invoiceRules := func(entity EntityType) []def {
		return []def{
			{entity, "unpaid", []string{"partially_paid", "paid", "overdue"}},
			{entity, "partially_paid", []string{"paid", "overdue", "unpaid"}},
			{entity, "overdue", []string{"partially_paid", "paid", "unpaid"}},
			{entity, "paid", []string{"unpaid", "partially_paid"}},
		}
	}
	defs := []def{
		{EntityTypeOrder, "new", []string{"assigned", "canceled"}},
		{EntityTypeOrder, "assigned", []string{"executing", "waiting_for_docs", "new", "canceled"}},
		{EntityTypeOrder, "executing", []string{"waiting_for_docs", "finished", "canceled"}},
		{EntityTypeOrder, "waiting_for_docs", []string{"executing", "finished", "canceled"}},
		{EntityTypeOrderCarrier, "not_paid", []string{"partially_paid", "paid"}},
		{EntityTypeOrderCarrier, "partially_paid", []string{"paid", "not_paid"}},
		{EntityTypeOrderCarrier, "paid", []string{"not_paid", "partially_paid"}},
	}
	defs = append(defs, invoiceRules(EntityTypeSalesInvoice)...)
	defs = append(defs, invoiceRules(EntityTypePurchaseInvoice)...)

	out := make([]StatusTransitionRule, 0, len(defs))
	for i, d := range defs {
		r := StatusTransitionRule{EntityType: d.entity, CurrentStatus: d.current, IsActive: true, SortOrder: i}
		r.SetAllowedNext(d.next)
		out = append(out, r)
	}
	return out
}

// SeedDefaultStatusRules inserts defaults that are missing; existing rows are untouched.
func SeedDefaultStatusRules(ctx context.Context) error {
	db := config.GetDB()
	rules := DefaultStatusRules()
	err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rules).Error
	ClearStatusRuleCache()
	return err
}

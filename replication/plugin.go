package replication

import (
	"context"
	"reflect"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const keysInstanceKey = "tms:replication_keys"

// Plugin queues a Job for every create/update/delete of a registered table.
// Keys of update/delete statements are collected before the write runs, so
// statements scoped only by WHERE are covered too.
type Plugin struct {
	Replicator *Replicator
}

func (p *Plugin) Name() string { return "tms:replication" }

func (p *Plugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Register("tms:replication_after_create", p.afterWrite); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tms:replication_before_update", p.beforeWrite); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("tms:replication_after_update", p.afterWrite); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tms:replication_before_delete", p.beforeWrite); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("tms:replication_after_delete", p.afterWrite)
}

// Install registers the plugin on db and starts the worker. It returns nil when
// replication is switched off.
func Install(ctx context.Context, db *gorm.DB) (*Replicator, error) {
	if !config.ReplicationEnabled() {
		return nil, nil
	}
	reg, err := DefaultRegistry(db)
	if err != nil {
		return nil, err
	}
	r := New(db, reg)
	if err := db.Use(&Plugin{Replicator: r}); err != nil {
		return nil, err
	}
	r.Start(ctx)
	return r, nil
}

// target resolves the statement's table to the entity whose rows change and
// the columns identifying them.
func (p *Plugin) target(db *gorm.DB) (*Entity, []string, bool) {
	if db.Statement.Schema == nil || db.DryRun {
		return nil, nil, false
	}
	if skip, _ := utils.GetSkipReplicationFromContext(db.Statement.Context); skip {
		return nil, nil, false
	}
	reg := p.Replicator.Registry
	table := db.Statement.Table
	if e, ok := reg.byTable[table]; ok {
		return e, e.PKColumns, true
	}
	if o, ok := reg.joinOwners[table]; ok {
		return o.Entity, []string{o.OwnerColumn}, true
	}
	return nil, nil, false
}

func (p *Plugin) beforeWrite(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	ent, cols, ok := p.target(db)
	if !ok {
		return
	}
	keys := valuesFromModel(db, cols)
	if len(keys) == 0 {
		keys = valuesFromWhere(db, cols)
	}
	if len(keys) > 0 {
		db.InstanceSet(keysInstanceKey, jobsFor(ent, cols, keys))
	}
}

func (p *Plugin) afterWrite(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	ent, cols, ok := p.target(db)
	if !ok {
		return
	}
	var jobs []Job
	if v, found := db.InstanceGet(keysInstanceKey); found {
		jobs, _ = v.([]Job)
	}
	if len(jobs) == 0 {
		jobs = jobsFor(ent, cols, valuesFromModel(db, cols))
	}
	for _, j := range jobs {
		p.Replicator.Enqueue(j)
	}
}

// jobsFor maps collected column values to owner jobs. Join table columns
// carry the owner's id under a different name.
func jobsFor(ent *Entity, cols []string, rows []map[string]any) []Job {
	out := make([]Job, 0, len(rows))
	for _, row := range rows {
		keys := make(map[string]any, len(ent.PKColumns))
		for i, c := range ent.PKColumns {
			if i < len(cols) {
				keys[c] = row[cols[i]]
			}
		}
		out = append(out, Job{Table: ent.Table, Keys: keys})
	}
	return out
}

// valuesFromModel reads cols from the statement's struct or slice value and
// keeps only rows where every column is set.
func valuesFromModel(db *gorm.DB, cols []string) []map[string]any {
	rv := db.Statement.ReflectValue
	if !rv.IsValid() {
		return nil
	}
	ctx := db.Statement.Context
	read := func(elem reflect.Value) map[string]any {
		for elem.Kind() == reflect.Ptr {
			if elem.IsNil() {
				return nil
			}
			elem = elem.Elem()
		}
		if elem.Kind() != reflect.Struct {
			return nil
		}
		out := make(map[string]any, len(cols))
		for _, c := range cols {
			f := db.Statement.Schema.LookUpField(c)
			if f == nil {
				return nil
			}
			v, zero := f.ValueOf(ctx, elem)
			if zero {
				return nil
			}
			out[c] = v
		}
		return out
	}

	var rows []map[string]any
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if m := read(rv.Index(i)); m != nil {
				rows = append(rows, m)
			}
		}
	default:
		if m := read(rv); m != nil {
			rows = append(rows, m)
		}
	}
	return rows
}

// valuesFromWhere selects cols with the statement's WHERE inside the same
// transaction, before the rows change.
func valuesFromWhere(db *gorm.DB, cols []string) []map[string]any {
	c, ok := db.Statement.Clauses["WHERE"]
	if !ok {
		return nil
	}
	where, ok := c.Expression.(clause.Where)
	if !ok || len(where.Exprs) == 0 {
		return nil
	}
	var rows []map[string]any
	err := db.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
		Table(db.Statement.Table).
		Select(cols).
		Clauses(where).
		Find(&rows).Error
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "valuesFromWhere", db.Statement.Table, nil, err)
		return nil
	}
	return rows
}

// Package replication mirrors committed writes of selected models to a
// secondary database. The primary stays authoritative; replica failures are
// logged and retried, never returned to the writer.
package replication

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmdatafocus/tms_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	moduleName      = "Replication"
	defaultAttempts = 5
	bulkBatchSize   = 500
	maxRetryBackoff = time.Minute
)

type pendingJob struct {
	job       Job
	attempts  int
	notBefore time.Time
}

// Replicator owns the job queue and the worker draining it.
type Replicator struct {
	Primary   *gorm.DB
	Registry  *Registry
	Replica   func() (*gorm.DB, error)
	Reconnect func() (*gorm.DB, error)

	MaxAttempts  int
	RetryBackoff time.Duration

	mu      sync.Mutex
	pending map[string]*pendingJob
	queue   []string
	busy    int
	wake    chan struct{}
	idle    *sync.Cond
	stop    context.CancelFunc
	stopped chan struct{}
}

func New(primary *gorm.DB, reg *Registry) *Replicator {
	r := &Replicator{
		Primary:      primary,
		Registry:     reg,
		Replica:      config.GetReplicaDB,
		Reconnect:    config.ReconnectReplicaDB,
		MaxAttempts:  defaultAttempts,
		RetryBackoff: 500 * time.Millisecond,
		pending:      map[string]*pendingJob{},
		wake:         make(chan struct{}, 1),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Enqueue never blocks: the writer may hold row locks the worker waits on.
// A job already queued for the same row is coalesced.
func (r *Replicator) Enqueue(job Job) {
	id := job.ID()
	r.mu.Lock()
	if _, ok := r.pending[id]; !ok {
		r.pending[id] = &pendingJob{job: job}
		r.queue = append(r.queue, id)
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending reports queued plus in-flight jobs.
func (r *Replicator) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) + r.busy
}

// Start launches the worker. Close stops it.
func (r *Replicator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	r.stopped = make(chan struct{})
	go r.loop(ctx)
}

func (r *Replicator) Close() {
	if r.stop == nil {
		return
	}
	r.stop()
	<-r.stopped
	r.mu.Lock()
	r.idle.Broadcast()
	r.mu.Unlock()
}

// Flush waits until the queue is drained or ctx ends.
func (r *Replicator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		for len(r.queue)+r.busy > 0 && ctx.Err() == nil {
			r.idle.Wait()
		}
		r.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.idle.Broadcast()
		r.mu.Unlock()
		return ctx.Err()
	}
}

func (r *Replicator) loop(ctx context.Context) {
	defer close(r.stopped)
	for {
		next := r.drainReady(ctx)
		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-time.After(wait):
		}
	}
}

// drainReady processes every job whose backoff elapsed and returns the
// earliest time a deferred job becomes ready.
func (r *Replicator) drainReady(ctx context.Context) time.Time {
	for ctx.Err() == nil {
		p, next := r.takeReady()
		if p == nil {
			return next
		}
		err := r.SyncOne(ctx, p.job)
		r.finish(p, err)
	}
	return time.Time{}
}

func (r *Replicator) takeReady() (*pendingJob, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var next time.Time
	for i, id := range r.queue {
		p := r.pending[id]
		if p.notBefore.After(now) {
			if next.IsZero() || p.notBefore.Before(next) {
				next = p.notBefore
			}
			continue
		}
		r.queue = append(r.queue[:i:i], r.queue[i+1:]...)
		delete(r.pending, id)
		r.busy++
		return p, time.Time{}
	}
	return nil, next
}

func (r *Replicator) finish(p *pendingJob, err error) {
	r.mu.Lock()
	defer func() {
		r.busy--
		r.idle.Broadcast()
		r.mu.Unlock()
	}()
	if err == nil {
		return
	}
	p.attempts++
	fields := logrus.Fields{"field": moduleName, "job": p.job.ID(), "attempt": p.attempts}
	if p.attempts >= r.MaxAttempts {
		config.GetLogger().WithFields(fields).Error("replication gave up: " + err.Error())
		return
	}
	id := p.job.ID()
	if _, queued := r.pending[id]; queued {
		// a newer change for the row is already waiting
		return
	}
	p.notBefore = time.Now().Add(retryBackoff(r.RetryBackoff, p.attempts))
	r.pending[id] = p
	r.queue = append(r.queue, id)
	config.GetLogger().WithFields(fields).Warn("replication failed, retrying: " + err.Error())
}

func isEmptySlice(ptr any) bool {
	v := reflect.Indirect(reflect.ValueOf(ptr))
	return v.Kind() != reflect.Slice || v.Len() == 0
}

func retryBackoff(initial time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}

// SyncOne mirrors the current primary state of one row: upsert when it
// exists, delete otherwise. The primary read takes a share lock so it waits
// for the writing transaction to finish.
func (r *Replicator) SyncOne(ctx context.Context, job Job) error {
	ent, ok := r.Registry.byTable[job.Table]
	if !ok {
		return fmt.Errorf("table %s is not replicated", job.Table)
	}
	row, joins, found, err := r.readPrimary(ctx, ent, job.Keys)
	if err != nil {
		return fmt.Errorf("read %s from primary: %w", job.ID(), err)
	}
	return r.withReplica(ctx, func(rep *gorm.DB) error {
		if found {
			return upsert(ctx, rep, ent, job.Keys, row, joins)
		}
		return remove(ctx, rep, ent, job.Keys)
	})
}

func (r *Replicator) readPrimary(ctx context.Context, ent *Entity, keys map[string]any) (any, []any, bool, error) {
	row := ent.New()
	var joins []any
	found := true
	err := r.Primary.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Where(keys).Take(row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		for _, j := range ent.joins {
			rows := j.NewRows()
			if err := tx.Table(j.Table).Where(j.OwnerColumn+" = ?", keys[ent.PKColumns[0]]).Find(rows).Error; err != nil {
				return err
			}
			joins = append(joins, rows)
		}
		return nil
	})
	return row, joins, found, err
}

func replicaSession(ctx context.Context, rep *gorm.DB) *gorm.DB {
	return rep.WithContext(ctx).Session(&gorm.Session{SkipHooks: true})
}

func upsert(ctx context.Context, rep *gorm.DB, ent *Entity, keys map[string]any, row any, joins []any) error {
	pkCols := make([]clause.Column, 0, len(ent.PKColumns))
	for _, c := range ent.PKColumns {
		pkCols = append(pkCols, clause.Column{Name: c})
	}
	return replicaSession(ctx, rep).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{Columns: pkCols, UpdateAll: true}).
			Create(row).Error; err != nil {
			return err
		}
		for i, j := range ent.joins {
			owner := keys[ent.PKColumns[0]]
			if err := tx.Exec("DELETE FROM ? WHERE ? = ?", clause.Table{Name: j.Table}, clause.Column{Name: j.OwnerColumn}, owner).Error; err != nil {
				return err
			}
			if isEmptySlice(joins[i]) {
				continue
			}
			if err := tx.Table(j.Table).Omit(clause.Associations).Create(joins[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func remove(ctx context.Context, rep *gorm.DB, ent *Entity, keys map[string]any) error {
	return replicaSession(ctx, rep).Transaction(func(tx *gorm.DB) error {
		for _, j := range ent.joins {
			if err := tx.Exec("DELETE FROM ? WHERE ? = ?", clause.Table{Name: j.Table}, clause.Column{Name: j.OwnerColumn}, keys[ent.PKColumns[0]]).Error; err != nil {
				return err
			}
		}
		return tx.Where(keys).Delete(ent.New()).Error
	})
}

// withReplica runs fn, reconnecting once when the error looks like a dead
// connection.
func (r *Replicator) withReplica(ctx context.Context, fn func(*gorm.DB) error) error {
	rep, err := r.Replica()
	if err != nil {
		return fmt.Errorf("replica unavailable: %w", err)
	}
	err = fn(rep)
	if err == nil || !IsConnectionError(err) {
		return err
	}
	config.LogError(config.GetLogger(), moduleName, "withReplica", "connection lost, reconnecting", nil, err)
	rep, rerr := r.Reconnect()
	if rerr != nil {
		return fmt.Errorf("replica reconnect: %w", rerr)
	}
	return fn(rep)
}

// IsConnectionError tells dropped or refused connections from statement errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P01..03: admin/crash shutdown
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "broken pipe", "server has gone away", "connection reset", "bad connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// BulkSync mirrors every row of the entity matching scope (nil for all) and
// returns how many rows were written. Rows that keep failing are logged and
// skipped; a replica that stays unreachable aborts the run.
func (r *Replicator) BulkSync(ctx context.Context, name string, scope func(*gorm.DB) *gorm.DB) (int, error) {
	ent, ok := r.Registry.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown model %q (known: %s)", name, strings.Join(r.Registry.Names(), ", "))
	}
	q := r.Primary.WithContext(ctx).Table(ent.Table).Select(ent.PKColumns).Order(strings.Join(ent.PKColumns, ", "))
	if scope != nil {
		q = scope(q)
	}

	synced := 0
	for offset := 0; ; offset += bulkBatchSize {
		var batch []map[string]any
		if err := q.Session(&gorm.Session{}).Offset(offset).Limit(bulkBatchSize).Find(&batch).Error; err != nil {
			return synced, err
		}
		for _, keys := range batch {
			if err := ctx.Err(); err != nil {
				return synced, err
			}
			err := r.syncWithRetry(ctx, Job{Table: ent.Table, Keys: keys})
			if err == nil {
				synced++
				continue
			}
			if IsConnectionError(err) {
				return synced, err
			}
			config.LogError(config.GetLogger(), moduleName, "BulkSync", ent.Name, keys, err)
		}
		if len(batch) < bulkBatchSize {
			break
		}
	}
	config.LogInfo(config.GetLogger(), moduleName, "BulkSync", "bulk sync finished", logrus.Fields{
		"model":  ent.Name,
		"synced": synced,
	})
	return synced, nil
}

// BulkSyncAll runs BulkSync for every registered entity, parents first.
func (r *Replicator) BulkSyncAll(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, e := range r.Registry.Entities() {
		n, err := r.BulkSync(ctx, e.Name, nil)
		out[e.Name] = n
		if err != nil {
			return out, fmt.Errorf("%s: %w", e.Name, err)
		}
	}
	return out, nil
}

func (r *Replicator) syncWithRetry(ctx context.Context, job Job) error {
	var err error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if err = r.SyncOne(ctx, job); err == nil {
			return nil
		}
		if attempt == r.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(r.RetryBackoff, attempt)):
		}
	}
	return err
}

// Clear deletes every mirrored row on the replica, children first.
func (r *Replicator) Clear(ctx context.Context) error {
	return r.withReplica(ctx, func(rep *gorm.DB) error {
		tx := replicaSession(ctx, rep).Session(&gorm.Session{AllowGlobalUpdate: true})
		ents := r.Registry.Entities()
		for i := len(ents) - 1; i >= 0; i-- {
			for _, j := range ents[i].joins {
				if err := tx.Exec("DELETE FROM ?", clause.Table{Name: j.Table}).Error; err != nil {
					return fmt.Errorf("clear %s: %w", j.Table, err)
				}
			}
			if err := tx.Delete(ents[i].New()).Error; err != nil {
				return fmt.Errorf("clear %s: %w", ents[i].Table, err)
			}
		}
		return nil
	})
}

// MigrateReplica creates the mirrored tables on the replica without foreign
// keys, since rows may arrive out of order.
func (r *Replicator) MigrateReplica(ctx context.Context) error {
	rep, err := r.Replica()
	if err != nil {
		return err
	}
	rep.Config.DisableForeignKeyConstraintWhenMigrating = true
	rep = rep.WithContext(ctx)
	if err := rep.SetupJoinTable(r.Registry.byName["purchaseinvoice"].New(), "RelatedOrders", r.Registry.byName["purchaseinvoiceorder"].New()); err != nil {
		return err
	}
	dst := make([]any, 0, len(r.Registry.entities))
	for _, e := range r.Registry.entities {
		dst = append(dst, e.New())
	}
	return rep.AutoMigrate(dst...)
}

type ConnectionReport struct {
	Primary error
	Replica error
}

func (c ConnectionReport) OK() bool { return c.Primary == nil && c.Replica == nil }

// TestConnections pings both databases.
func (r *Replicator) TestConnections(ctx context.Context) ConnectionReport {
	var rep ConnectionReport
	rep.Primary = ping(ctx, r.Primary)
	rdb, err := r.Replica()
	if err != nil {
		rep.Replica = err
		return rep
	}
	rep.Replica = ping(ctx, rdb)
	return rep
}

func ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("not connected")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	ReplicaDriverMySQL    = "mysql"
	ReplicaDriverPostgres = "postgres"
)

var (
	replicaDB *gorm.DB
	replicaMu sync.Mutex
)

// ReplicaConfig describes the secondary store that receives mirrored writes.
type ReplicaConfig struct {
	Driver string
	DSN    string
}

func ReplicaConfigFromEnv() ReplicaConfig {
	driver := strings.ToLower(StringFromEnv("REPLICA_DRIVER", ReplicaDriverMySQL))
	return ReplicaConfig{
		Driver: driver,
		DSN:    StringFromEnv("REPLICA_DSN", ""),
	}
}

func openReplica(cfg ReplicaConfig) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("REPLICA_DSN is required")
	}
	var dialector gorm.Dialector
	switch cfg.Driver {
	case ReplicaDriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	case ReplicaDriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported replica driver %q", cfg.Driver)
	}
	d, err := gorm.Open(dialector, initConfig())
	if err != nil {
		return nil, err
	}
	if sqlDB, derr := d.DB(); derr == nil && sqlDB != nil {
		sqlDB.SetMaxOpenConns(IntFromEnv("REPLICA_MAX_OPEN_CONNS", 10))
		sqlDB.SetMaxIdleConns(IntFromEnv("REPLICA_MAX_IDLE_CONNS", 5))
	}
	return d, nil
}

// GetReplicaDB returns the replica handle, opening it on first use.
func GetReplicaDB() (*gorm.DB, error) {
	replicaMu.Lock()
	defer replicaMu.Unlock()
	if replicaDB != nil {
		return replicaDB, nil
	}
	d, err := openReplica(ReplicaConfigFromEnv())
	if err != nil {
		return nil, err
	}
	replicaDB = d
	return replicaDB, nil
}

// ReconnectReplicaDB drops the pooled connections and opens a new handle.
func ReconnectReplicaDB() (*gorm.DB, error) {
	replicaMu.Lock()
	defer replicaMu.Unlock()
	if replicaDB != nil {
		if sqlDB, err := replicaDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		replicaDB = nil
	}
	d, err := openReplica(ReplicaConfigFromEnv())
	if err != nil {
		return nil, err
	}
	log.Printf("replica reconnected (driver=%s)", ReplicaConfigFromEnv().Driver)
	replicaDB = d
	return replicaDB, nil
}

// SetReplicaDB is used by tests and tools that manage their own replica handle.
func SetReplicaDB(d *gorm.DB) {
	replicaMu.Lock()
	defer replicaMu.Unlock()
	replicaDB = d
}

package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

// SetDB swaps the global handle. Used by tools and tests that open their own connection.
func SetDB(d *gorm.DB) {
	db = d
}

func init() {
	// Load env from .env
	godotenv.Load()
}

func primaryDSN() string {
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")

	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, dbPort)

	// Cloud SQL: DB_HOST=/cloudsql/<CONNECTION_NAME> goes through the unix socket.
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}

	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC&charset=utf8mb4",
		dbUser,
		dbPassword,
		network,
		address,
		dbName,
	)
}

// ConnectDatabaseWithRetry connects and sets the global DB.
// Blocks until the primary is reachable.
func ConnectDatabaseWithRetry() {
	dsn := primaryDSN()
	logger := GetLogger()

	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(dsn), initConfig())
		if err == nil {
			tunePool(conn)
			if err := conn.Use(otelgorm.NewPlugin()); err != nil {
				LogError(logger, "config", "ConnectDatabaseWithRetry", "otelgorm plugin", nil, err)
			}
			db = conn
			LogInfo(logger, "config", "ConnectDatabaseWithRetry", "connected to primary", map[string]any{"attempt": attempt})
			return
		}
		sleep := backoffFor(attempt)
		LogError(logger, "config", "ConnectDatabaseWithRetry", "connecting to primary",
			map[string]any{"attempt": attempt, "retry_in": sleep.String()}, err)
		time.Sleep(sleep)
	}
}

// tunePool applies DB_MAX_OPEN_CONNS (50), DB_MAX_IDLE_CONNS (25),
// DB_CONN_MAX_LIFETIME (5m) and DB_CONN_MAX_IDLE_TIME (1m).
func tunePool(conn *gorm.DB) {
	sqlDB, err := conn.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if n := IntFromEnv("DB_MAX_OPEN_CONNS", 50); n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if n := IntFromEnv("DB_MAX_IDLE_CONNS", 25); n >= 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	if d := DurationFromEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute); d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	if d := DurationFromEnv("DB_CONN_MAX_IDLE_TIME", time.Minute); d > 0 {
		sqlDB.SetConnMaxIdleTime(d)
	}
}

// backoffFor doubles from 2s and caps at 30s.
func backoffFor(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         WriteGormLog(),
		NamingStrategy: initNamingStrategy(),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func gormLogger(w io.Writer, level logger.LogLevel) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		LogLevel:                  level,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{}
}

// WriteGormLog logs every statement to the file named by GORM_LOG; otherwise
// errors and slow queries go to stdout.
func WriteGormLog() logger.Interface {
	if path := os.Getenv("GORM_LOG"); path != "" {
		if f, err := os.Create(path); err == nil {
			return gormLogger(f, logger.Info)
		}
	}
	return gormLogger(os.Stdout, logger.Error)
}

package config

import (
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config carries the process configuration, loaded from the environment
// (.env files are auto-loaded in development).
type Config struct {
	HTTPPort     string
	DBType       string // sqlite or postgres
	DBDSN        string
	RedisAddr    string
	KafkaBrokers string
	AuthSecret   string
	CacheDir     string
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() *Config {
	cnf := &Config{
		HTTPPort:     getEnv("HTTP_PORT", "4030"),
		DBType:       getEnv("DB_TYPE", "sqlite"),
		DBDSN:        getEnv("DB_DSN", ".tmp/db/board.db"),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
		AuthSecret:   getEnv("AUTH_SECRET", ""),
		CacheDir:     getEnv("BOARD_CACHE_DIR", ""),
	}

	if cnf.AuthSecret == "" {
		logrus.Warn("AUTH_SECRET is not set, using an insecure development secret")
		cnf.AuthSecret = "board-dev-secret"
	}

	return cnf
}

// GetDb opens the configured database.
func GetDb(cnf *Config) *gorm.DB {
	var db *gorm.DB
	var err error

	switch cnf.DBType {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cnf.DBDSN), &gorm.Config{})
	default:
		if err = os.MkdirAll(dirOf(cnf.DBDSN), os.ModePerm); err != nil {
			logrus.Fatalf("failed to create db directory: %v", err)
		}
		db, err = gorm.Open(sqlite.Open(cnf.DBDSN), &gorm.Config{})
	}
	if err != nil {
		logrus.Fatalf("failed to connect to database: %v", err)
	}

	return db
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

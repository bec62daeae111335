// Package database provides the MariaDB connection backing the event log
// and the metric cache.
package database

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MariaDBConfig holds MariaDB connection configuration
type MariaDBConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Charset  string `json:"charset" yaml:"charset"`
}

// ConfigFromEnv builds the connection config from the DB_* environment
// variables, with localhost defaults suitable for development.
func ConfigFromEnv() *MariaDBConfig {
	port := 3306
	if raw := os.Getenv("DB_PORT"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			port = parsed
		} else {
			log.WithField("DB_PORT", raw).Warn("Invalid DB_PORT, using default 3306")
		}
	}

	config := &MariaDBConfig{
		Host:     envOr("DB_HOST", "localhost"),
		Port:     port,
		Database: envOr("DB_NAME", "upstra"),
		Username: envOr("DB_USERNAME", "upstra"),
		Password: os.Getenv("DB_PASSWORD"),
	}
	return config
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Connection wraps one MariaDB connection.
type Connection struct {
	config    *MariaDBConfig
	db        *gorm.DB
	connected bool
}

// NewConnection opens a MariaDB connection. Event appends must be single
// atomic INSERTs, so the implicit per-write transaction is disabled.
func NewConnection(config *MariaDBConfig) (*Connection, error) {
	if config == nil {
		return nil, fmt.Errorf("MariaDB config is required")
	}

	conn := &Connection{config: config}
	if err := conn.validateConfig(); err != nil {
		return nil, fmt.Errorf("invalid MariaDB config: %w", err)
	}

	if config.Charset == "" {
		config.Charset = "utf8mb4"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		config.Charset,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MariaDB: %w", err)
	}

	conn.db = db
	conn.connected = true

	log.WithFields(log.Fields{
		"host":     config.Host,
		"port":     config.Port,
		"database": config.Database,
		"username": config.Username,
	}).Info("MariaDB connection established")

	return conn, nil
}

// Close closes the database connection
func (c *Connection) Close() error {
	if !c.connected || c.db == nil {
		return nil
	}

	sqlDB, err := c.db.DB()
	if err != nil {
		log.WithError(err).Error("Failed to get SQL DB for closing")
		return err
	}
	if err := sqlDB.Close(); err != nil {
		log.WithError(err).Error("Failed to close SQL DB")
		return err
	}

	c.connected = false
	log.Info("MariaDB connection closed")
	return nil
}

// Ping tests the database connection
func (c *Connection) Ping() error {
	if !c.connected || c.db == nil {
		return fmt.Errorf("not connected to database")
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	return sqlDB.Ping()
}

// GormDB exposes the underlying GORM instance for the repositories.
func (c *Connection) GormDB() *gorm.DB {
	return c.db
}

func (c *Connection) validateConfig() error {
	if c.config.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.config.Port <= 0 || c.config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.config.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.config.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the engine.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Server
	ApiPort string

	// Booking policy
	DefaultServiceFeePercent float64 // Commission taken from each approved booking
	PointsPerBooking         int64   // Loyalty points credited to the host per approval
	PointsRedeemRate         int64   // Points per one currency unit when redeeming
	ApprovalWindow           time.Duration

	// Transactions
	TxnMaxRetries int

	// Background jobs
	ExpireSweepInterval time.Duration
	ReconcileInterval   time.Duration

	// Notifications
	SmtpHost        string
	SmtpPort        int
	SmtpUsername    string
	SmtpPassword    string
	SmtpFromAddress string
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	godotenv.Load()

	cfg := &Config{
		RunMode: runMode, // Set from flag
	}

	var err error

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
	if err != nil {
		return nil, err
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "stayhive")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.ApiPort = getEnv("API_PORT", "8080")
	cfg.SmtpHost = getEnv("SMTP_HOST", "")
	cfg.SmtpUsername = getEnv("SMTP_USERNAME", "")
	cfg.SmtpPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SmtpFromAddress = getEnv("SMTP_FROM_ADDRESS", "noreply@stayhive.example.com")

	cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg.DefaultServiceFeePercent, err = strconv.ParseFloat(getEnv("DEFAULT_SERVICE_FEE_PERCENT", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_SERVICE_FEE_PERCENT: %w", err)
	}

	cfg.PointsPerBooking, err = strconv.ParseInt(getEnv("POINTS_PER_BOOKING", "50"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid POINTS_PER_BOOKING: %w", err)
	}

	cfg.PointsRedeemRate, err = strconv.ParseInt(getEnv("POINTS_REDEEM_RATE", "10"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid POINTS_REDEEM_RATE: %w", err)
	}
	if cfg.PointsRedeemRate <= 0 {
		return nil, fmt.Errorf("POINTS_REDEEM_RATE must be positive, got %d", cfg.PointsRedeemRate)
	}

	approvalWindowHours, err := strconv.ParseInt(getEnv("APPROVAL_WINDOW_HOURS", "48"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid APPROVAL_WINDOW_HOURS: %w", err)
	}
	cfg.ApprovalWindow = time.Duration(approvalWindowHours) * time.Hour

	cfg.TxnMaxRetries, err = strconv.Atoi(getEnv("TXN_MAX_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid TXN_MAX_RETRIES: %w", err)
	}

	expireSweepSeconds, err := strconv.ParseInt(getEnv("EXPIRE_SWEEP_INTERVAL_SECONDS", "300"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid EXPIRE_SWEEP_INTERVAL_SECONDS: %w", err)
	}
	cfg.ExpireSweepInterval = time.Duration(expireSweepSeconds) * time.Second

	reconcileSeconds, err := strconv.ParseInt(getEnv("RECONCILE_INTERVAL_SECONDS", "3600"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL_SECONDS: %w", err)
	}
	cfg.ReconcileInterval = time.Duration(reconcileSeconds) * time.Second

	cfg.SmtpPort, err = strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	return cfg, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/openpass/ticketd/internal/domain"
)

type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Ticket   TicketConfig
	Gateway  GatewayConfig
	Booking  BookingConfig
	CheckIn  CheckInConfig
	AMQP     AMQPConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
}

type TicketConfig struct {
	Secret   string
	Validity time.Duration
}

type GatewayConfig struct {
	WebhookSecret      string
	TimestampTolerance time.Duration
	IntentURL          string
	APIKey             string
	Currency           string
}

type BookingConfig struct {
	ReservationTTL time.Duration
	SweepInterval  time.Duration
}

type CheckInConfig struct {
	Mode domain.RedemptionMode
}

// AMQPConfig enables consuming payment notifications from a broker instead of
// (or in addition to) the webhook. Empty URL disables the consumer.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

type AuthConfig struct {
	JWTSecret string
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	serverHost := getEnv("SERVER_HOST", "localhost")

	serverPort, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresHost := getEnv("POSTGRES_HOST", "localhost")

	postgresPort, err := getEnvInt("POSTGRES_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_USER", op)
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_PASSWORD", op)
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_DB", op)
	}

	ticketSecret := os.Getenv("TICKET_SECRET")
	if ticketSecret == "" {
		return nil, fmt.Errorf("%s: missing TICKET_SECRET", op)
	}

	ticketValidity, err := getEnvDuration("TICKET_VALIDITY", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	webhookSecret := os.Getenv("GATEWAY_WEBHOOK_SECRET")
	if webhookSecret == "" {
		return nil, fmt.Errorf("%s: missing GATEWAY_WEBHOOK_SECRET", op)
	}

	tolerance, err := getEnvDuration("GATEWAY_TIMESTAMP_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	reservationTTL, err := getEnvDuration("RESERVATION_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sweepInterval, err := getEnvDuration("SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	mode := domain.RedemptionMode(getEnv("REDEMPTION_MODE", string(domain.RedeemPerBooking)))
	if mode != domain.RedeemPerBooking && mode != domain.RedeemPerUnit {
		return nil, fmt.Errorf("%s: invalid REDEMPTION_MODE %q", op, mode)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("%s: missing JWT_SECRET", op)
	}

	return &Config{
		Server: ServerConfig{
			Host: serverHost,
			Port: serverPort,
		},
		Postgres: PostgresConfig{
			User:     postgresUser,
			Password: postgresPassword,
			Name:     postgresDB,
			Host:     postgresHost,
			Port:     postgresPort,
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
		},
		Ticket: TicketConfig{
			Secret:   ticketSecret,
			Validity: ticketValidity,
		},
		Gateway: GatewayConfig{
			WebhookSecret:      webhookSecret,
			TimestampTolerance: tolerance,
			IntentURL:          os.Getenv("GATEWAY_INTENT_URL"),
			APIKey:             os.Getenv("GATEWAY_API_KEY"),
			Currency:           getEnv("GATEWAY_CURRENCY", "usd"),
		},
		Booking: BookingConfig{
			ReservationTTL: reservationTTL,
			SweepInterval:  sweepInterval,
		},
		CheckIn: CheckInConfig{
			Mode: mode,
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: getEnv("AMQP_EXCHANGE", "payments"),
			Queue:    getEnv("AMQP_QUEUE", "ticketd.payment-events"),
		},
		Auth: AuthConfig{
			JWTSecret: jwtSecret,
		},
	}, nil
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getEnvInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	return v, nil
}

func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	return v, nil
}

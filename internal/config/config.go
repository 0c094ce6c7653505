package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// WhatsApp Business Platform
	WhatsAppBaseURL     string // Graph API base URL
	WhatsAppAccessToken string
	WhatsAppPhoneID     string // sending phone number id
	WhatsAppVerifyToken string // webhook verification handshake token

	// AWS / email provider
	AWSRegion    string
	SESFromEmail string

	// SQS queue carrying SES delivery notifications (optional)
	SQSRegion   string
	SQSQueueURL string

	// SNS topic for status-event fan-out (optional)
	SNSRegion        string
	SNSEventTopicARN string

	// Provider dispatch
	DispatchTimeout int // per-recipient provider call timeout in seconds
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		WhatsAppBaseURL: "https://graph.facebook.com/v19.0",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@herald.local",

		DispatchTimeout: 15,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// WhatsApp config
	if url := os.Getenv("WHATSAPP_BASE_URL"); url != "" {
		cfg.WhatsAppBaseURL = url
	}

	if token := os.Getenv("WHATSAPP_ACCESS_TOKEN"); token != "" {
		cfg.WhatsAppAccessToken = token
	}

	if id := os.Getenv("WHATSAPP_PHONE_ID"); id != "" {
		cfg.WhatsAppPhoneID = id
	}

	if token := os.Getenv("WHATSAPP_VERIFY_TOKEN"); token != "" {
		cfg.WhatsAppVerifyToken = token
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_EVENT_TOPIC_ARN"); arn != "" {
		cfg.SNSEventTopicARN = arn
	}

	if timeout := os.Getenv("DISPATCH_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_TIMEOUT: %w", err)
		}
		cfg.DispatchTimeout = t
	}

	return cfg, nil
}

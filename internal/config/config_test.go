package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.DBHost != "localhost" || cfg.DBPort != 5432 {
		t.Errorf("DB defaults = %s:%d", cfg.DBHost, cfg.DBPort)
	}
	if cfg.RedisHost != "localhost" || cfg.RedisPort != 6379 {
		t.Errorf("Redis defaults = %s:%d", cfg.RedisHost, cfg.RedisPort)
	}
	if cfg.WhatsAppBaseURL != "https://graph.facebook.com/v19.0" {
		t.Errorf("WhatsAppBaseURL = %s", cfg.WhatsAppBaseURL)
	}
	if cfg.DispatchTimeout != 15 {
		t.Errorf("DispatchTimeout = %d, want 15", cfg.DispatchTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "tok")
	t.Setenv("WHATSAPP_VERIFY_TOKEN", "verify")
	t.Setenv("SES_FROM_EMAIL", "campaigns@acme.example")
	t.Setenv("DISPATCH_TIMEOUT", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" || cfg.Env != "production" {
		t.Errorf("LogLevel = %s, Env = %s", cfg.LogLevel, cfg.Env)
	}
	if cfg.DBHost != "db.internal" || cfg.DBPort != 5433 {
		t.Errorf("DB = %s:%d", cfg.DBHost, cfg.DBPort)
	}
	if cfg.RedisHost != "redis.internal" {
		t.Errorf("RedisHost = %s", cfg.RedisHost)
	}
	if cfg.WhatsAppAccessToken != "tok" || cfg.WhatsAppVerifyToken != "verify" {
		t.Error("WhatsApp tokens not loaded")
	}
	if cfg.SESFromEmail != "campaigns@acme.example" {
		t.Errorf("SESFromEmail = %s", cfg.SESFromEmail)
	}
	if cfg.DispatchTimeout != 30 {
		t.Errorf("DispatchTimeout = %d, want 30", cfg.DispatchTimeout)
	}
}

func TestLoadRegionFallback(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("SQSRegion = %s, want AWS_REGION fallback", cfg.SQSRegion)
	}
	if cfg.SNSRegion != "eu-west-1" {
		t.Errorf("SNSRegion = %s, want AWS_REGION fallback", cfg.SNSRegion)
	}

	t.Setenv("SQS_REGION", "us-west-2")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SQSRegion != "us-west-2" {
		t.Errorf("SQSRegion = %s, want explicit override", cfg.SQSRegion)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"PORT", "not-a-number"},
		{"DB_PORT", "abc"},
		{"REDIS_PORT", "x"},
		{"REDIS_DB", "?"},
		{"DISPATCH_TIMEOUT", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s should fail", tt.env, tt.value)
			}
		})
	}
}

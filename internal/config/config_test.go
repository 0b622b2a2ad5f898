package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"SERVER_PORT", "SERVER_ENV", "LOG_HEALTH_REQUESTS",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"VALKEY_URL", "VALKEY_DIAL_TIMEOUT",
		"JWT_SECRET", "JWT_ACCESS_TTL", "JWT_ISSUER",
		"GATEWAY_HEARTBEAT_INTERVAL", "GATEWAY_MAX_CONNECTIONS", "GATEWAY_OFFLINE_DELAY",
		"GATEWAY_SESSION_TTL", "GATEWAY_REPLAY_BUFFER_SIZE",
		"ZOMBIE_SWEEP_INTERVAL", "DEDUP_CACHE_TTL",
		"OUTBOX_SCAN_INTERVAL", "OUTBOX_RETRY_GRACE", "BOT_WEBHOOK_TIMEOUT",
		"SYNC_OFFLINE_PULL_LOCK_TTL", "SYNC_DEFAULT_LIMIT", "SYNC_MAX_LIMIT",
		"AMQP_URL", "NOTIFY_QUEUE_NAME",
		"RATE_LIMIT_API_REQUESTS", "RATE_LIMIT_API_WINDOW_SECONDS",
		"CORS_ALLOW_ORIGINS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	// JWT_SECRET is required by validation
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}

	if cfg.DatabaseMaxConn != 25 {
		t.Errorf("DatabaseMaxConn = %d, want 25", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 5 {
		t.Errorf("DatabaseMinConn = %d, want 5", cfg.DatabaseMinConn)
	}

	if cfg.JWTAccessTTL != 15*time.Minute {
		t.Errorf("JWTAccessTTL = %v, want 15m", cfg.JWTAccessTTL)
	}
	if cfg.JWTIssuer != "imcore" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "imcore")
	}

	if cfg.GatewayHeartbeatInterval != 25*time.Second {
		t.Errorf("GatewayHeartbeatInterval = %v, want 25s", cfg.GatewayHeartbeatInterval)
	}
	if cfg.GatewayMaxConnections != 50000 {
		t.Errorf("GatewayMaxConnections = %d, want 50000", cfg.GatewayMaxConnections)
	}
	if cfg.GatewaySessionTTL != 2*time.Minute {
		t.Errorf("GatewaySessionTTL = %v, want 2m", cfg.GatewaySessionTTL)
	}

	if cfg.ZombieSweepInterval != 30*time.Second {
		t.Errorf("ZombieSweepInterval = %v, want 30s", cfg.ZombieSweepInterval)
	}

	if cfg.DedupCacheTTL != 5*time.Minute {
		t.Errorf("DedupCacheTTL = %v, want 5m", cfg.DedupCacheTTL)
	}

	if cfg.SyncDefaultLimit != 50 {
		t.Errorf("SyncDefaultLimit = %d, want 50", cfg.SyncDefaultLimit)
	}
	if cfg.SyncMaxLimit != 200 {
		t.Errorf("SyncMaxLimit = %d, want 200", cfg.SyncMaxLimit)
	}

	if cfg.RateLimitAPIRequests != 120 {
		t.Errorf("RateLimitAPIRequests = %d, want 120", cfg.RateLimitAPIRequests)
	}

	if cfg.CORSAllowOrigins != "*" {
		t.Errorf("CORSAllowOrigins = %q, want %q", cfg.CORSAllowOrigins, "*")
	}
}

func TestLoadValidationRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error %q does not mention JWT_SECRET", err.Error())
	}
}

func TestLoadValidationJWTSecretTooShort(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for short JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET must be at least 32 characters") {
		t.Errorf("error %q does not mention minimum length", err.Error())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("DATABASE_MAX_CONNS", "50")
	t.Setenv("JWT_SECRET", "test-secret-key-that-is-32-chars!")
	t.Setenv("JWT_ACCESS_TTL", "30m")
	t.Setenv("GATEWAY_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("GATEWAY_SESSION_TTL", "1m")
	t.Setenv("DEDUP_CACHE_TTL", "2m")
	t.Setenv("SYNC_DEFAULT_LIMIT", "25")
	t.Setenv("SYNC_MAX_LIMIT", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if cfg.ServerEnv != "development" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "development")
	}
	if cfg.DatabaseMaxConn != 50 {
		t.Errorf("DatabaseMaxConn = %d, want 50", cfg.DatabaseMaxConn)
	}
	if cfg.JWTSecret != "test-secret-key-that-is-32-chars!" {
		t.Errorf("JWTSecret = %q, want %q", cfg.JWTSecret, "test-secret-key-that-is-32-chars!")
	}
	if cfg.JWTAccessTTL != 30*time.Minute {
		t.Errorf("JWTAccessTTL = %v, want 30m", cfg.JWTAccessTTL)
	}
	if cfg.GatewayHeartbeatInterval != 10*time.Second {
		t.Errorf("GatewayHeartbeatInterval = %v, want 10s", cfg.GatewayHeartbeatInterval)
	}
	if cfg.DedupCacheTTL != 2*time.Minute {
		t.Errorf("DedupCacheTTL = %v, want 2m", cfg.DedupCacheTTL)
	}
	if cfg.SyncDefaultLimit != 25 {
		t.Errorf("SyncDefaultLimit = %d, want 25", cfg.SyncDefaultLimit)
	}
	if cfg.SyncMaxLimit != 100 {
		t.Errorf("SyncMaxLimit = %d, want 100", cfg.SyncMaxLimit)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("SERVER_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("error %q does not mention SERVER_PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadInvalidBool(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("LOG_HEALTH_REQUESTS", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "LOG_HEALTH_REQUESTS") {
		t.Errorf("error %q does not mention LOG_HEALTH_REQUESTS", err.Error())
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("ZOMBIE_SWEEP_INTERVAL", "not-a-duration")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "ZOMBIE_SWEEP_INTERVAL") {
		t.Errorf("error %q does not mention ZOMBIE_SWEEP_INTERVAL", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("SERVER_PORT", "abc")
	t.Setenv("DATABASE_MAX_CONNS", "xyz")
	t.Setenv("SYNC_DEFAULT_LIMIT", "nope")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "SERVER_PORT") {
		t.Errorf("error missing SERVER_PORT, got: %s", errStr)
	}
	if !strings.Contains(errStr, "DATABASE_MAX_CONNS") {
		t.Errorf("error missing DATABASE_MAX_CONNS, got: %s", errStr)
	}
	if !strings.Contains(errStr, "SYNC_DEFAULT_LIMIT") {
		t.Errorf("error missing SYNC_DEFAULT_LIMIT, got: %s", errStr)
	}
}

func TestGatewaySessionTTLMustExceedHeartbeat(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("GATEWAY_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("GATEWAY_SESSION_TTL", "10s")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for session TTL too short")
	}
	if !strings.Contains(err.Error(), "GATEWAY_SESSION_TTL") {
		t.Errorf("error %q does not mention GATEWAY_SESSION_TTL", err.Error())
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{ServerEnv: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}

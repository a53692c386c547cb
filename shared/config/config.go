package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Problem describes a single invalid or missing configuration field. Load
// collects problems instead of failing fast so /readyz can report all of them.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	CacheTTLSec      int
	CacheOpTimeoutMS int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int
	SweepIntervalSec  int
	SweepBatchSize    int

	WSMaxConnections int
	WSSendBuffer     int
	WSPingSec        int
	WSPongWaitSec    int
	WSWriteWaitSec   int

	StreamURL            string
	ReconnectMaxAttempts int
	ReconnectDelaySec    int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	ActivityEnabled bool
	CORSOrigins     []string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		Env:                  strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:          serviceName,
		HTTPPort:             httpPort,
		LogLevel:             "info",
		ConfigPath:           strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:     30000,
		JWKSTTLSeconds:       300,
		JWTClockSkewSec:      60,
		DBMaxConns:           10,
		DBMinConns:           1,
		DBConnMaxIdleSec:     300,
		DBConnMaxLifeSec:     1800,
		CacheTTLSec:          5,
		CacheOpTimeoutMS:     250,
		KafkaRetryMax:        5,
		KafkaWriteMS:         5000,
		AsynqQueue:           "default",
		AsynqConcurrency:     10,
		OutboxScanSec:        5,
		OutboxBatchSize:      50,
		OutboxMaxAttempts:    20,
		SweepIntervalSec:     30,
		SweepBatchSize:       100,
		WSMaxConnections:     10000,
		WSSendBuffer:         64,
		WSPingSec:            30,
		WSPongWaitSec:        60,
		WSWriteWaitSec:       10,
		ReconnectMaxAttempts: 2,
		ReconnectDelaySec:    3,
		InfluxTimeoutMS:      5000,
		OtelInsecure:         true,
		OtelSampleRatio:      1.0,
	}
}

// Load reads configuration from an optional JSON file layered under
// environment variables. Field names are identical in both sources.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := defaults(serviceNameDefault, httpPortDefault)
	problems := make([]Problem, 0, 4)

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath); ok {
		problems = append(problems, fileProblems...)
		applySources(&cfg, func(key string) (string, bool) {
			v, ok := fileData[key]
			if !ok {
				return "", false
			}
			return stringify(v), true
		}, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applySources(&cfg, func(key string) (string, bool) {
		v := strings.TrimSpace(os.Getenv(key))
		return v, v != ""
	}, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	problems = append(problems, validate(&cfg, serviceNameDefault, httpPortDefault)...)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

type lookup func(key string) (string, bool)

func applySources(cfg *Config, get lookup, problems *[]Problem) {
	setStr := func(key string, dst *string) {
		if v, ok := get(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := get(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := get(key); ok && v != "" {
			b, ok := asBool(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
				return
			}
			*dst = b
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := get(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
				return
			}
			*dst = f
		}
	}
	setCSV := func(key string, dst *[]string) {
		if v, ok := get(key); ok && v != "" {
			*dst = parseCSV(v)
		}
	}

	setStr("ENV", &cfg.Env)
	setStr("SERVICE_NAME", &cfg.ServiceName)
	setInt("HTTP_PORT", &cfg.HTTPPort)
	setStr("LOG_LEVEL", &cfg.LogLevel)
	setInt("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)

	setStr("OIDC_ISSUER", &cfg.OIDCIssuer)
	setStr("OIDC_AUDIENCE", &cfg.OIDCAudience)
	setStr("OIDC_JWKS_URL", &cfg.OIDCJWKSURL)
	setInt("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	setInt("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)

	setStr("DATABASE_URL", &cfg.DatabaseURL)
	setInt("DB_MAX_CONNS", &cfg.DBMaxConns)
	setInt("DB_MIN_CONNS", &cfg.DBMinConns)
	setInt("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	setInt("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	setStr("REDIS_ADDR", &cfg.RedisAddr)
	setStr("REDIS_PASSWORD", &cfg.RedisPassword)
	setInt("REDIS_DB", &cfg.RedisDB)
	setInt("CACHE_TTL_SECONDS", &cfg.CacheTTLSec)
	setInt("CACHE_OP_TIMEOUT_MS", &cfg.CacheOpTimeoutMS)

	setCSV("KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	setInt("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	setInt("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)

	setStr("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	setStr("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	setInt("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	setStr("ASYNQ_QUEUE", &cfg.AsynqQueue)
	setInt("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)

	setInt("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec)
	setInt("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	setInt("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	setInt("SWEEP_INTERVAL_SECONDS", &cfg.SweepIntervalSec)
	setInt("SWEEP_BATCH_SIZE", &cfg.SweepBatchSize)

	setInt("WS_MAX_CONNECTIONS", &cfg.WSMaxConnections)
	setInt("WS_SEND_BUFFER", &cfg.WSSendBuffer)
	setInt("WS_PING_SECONDS", &cfg.WSPingSec)
	setInt("WS_PONG_WAIT_SECONDS", &cfg.WSPongWaitSec)
	setInt("WS_WRITE_WAIT_SECONDS", &cfg.WSWriteWaitSec)

	setStr("STREAM_WS_URL", &cfg.StreamURL)
	setInt("RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts)
	setInt("RECONNECT_DELAY_SECONDS", &cfg.ReconnectDelaySec)

	setStr("INFLUX_URL", &cfg.InfluxURL)
	setStr("INFLUX_TOKEN", &cfg.InfluxToken)
	setStr("INFLUX_ORG", &cfg.InfluxOrg)
	setStr("INFLUX_BUCKET", &cfg.InfluxBucket)
	setInt("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)

	setBool("ACTIVITY_ENABLED", &cfg.ActivityEnabled)
	setCSV("CORS_ALLOWED_ORIGINS", &cfg.CORSOrigins)

	setBool("OTEL_ENABLED", &cfg.OtelEnabled)
	setStr("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	setBool("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	setFloat("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio)
}

func validate(cfg *Config, serviceNameDefault string, httpPortDefault int) []Problem {
	var problems []Problem
	bad := func(field, msg string) {
		problems = append(problems, Problem{Field: field, Message: msg})
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceNameDefault
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		bad("HTTP_PORT", "HTTP_PORT must be 1-65535")
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		bad("REQUEST_TIMEOUT_MS", "REQUEST_TIMEOUT_MS must be > 0")
		cfg.RequestTimeoutMS = 30000
	}
	if cfg.JWKSTTLSeconds <= 0 {
		bad("JWKS_CACHE_TTL_SECONDS", "JWKS_CACHE_TTL_SECONDS must be > 0")
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		bad("JWT_CLOCK_SKEW_SECONDS", "JWT_CLOCK_SKEW_SECONDS must be >= 0")
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		bad("DB_MAX_CONNS", "DB_MAX_CONNS must be > 0")
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		bad("DB_MIN_CONNS", "DB_MIN_CONNS must be between 0 and DB_MAX_CONNS")
		cfg.DBMinConns = 1
	}
	if cfg.CacheTTLSec <= 0 {
		bad("CACHE_TTL_SECONDS", "CACHE_TTL_SECONDS must be > 0")
		cfg.CacheTTLSec = 5
	}
	if cfg.CacheOpTimeoutMS <= 0 {
		bad("CACHE_OP_TIMEOUT_MS", "CACHE_OP_TIMEOUT_MS must be > 0")
		cfg.CacheOpTimeoutMS = 250
	}
	if cfg.KafkaRetryMax < 0 {
		bad("KAFKA_RETRY_MAX", "KAFKA_RETRY_MAX must be >= 0")
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		bad("KAFKA_WRITE_TIMEOUT_MS", "KAFKA_WRITE_TIMEOUT_MS must be > 0")
		cfg.KafkaWriteMS = 5000
	}
	if cfg.AsynqConcurrency <= 0 {
		bad("ASYNQ_CONCURRENCY", "ASYNQ_CONCURRENCY must be > 0")
		cfg.AsynqConcurrency = 10
	}
	if cfg.OutboxScanSec <= 0 {
		bad("OUTBOX_SCAN_INTERVAL_SECONDS", "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0")
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		bad("OUTBOX_BATCH_SIZE", "OUTBOX_BATCH_SIZE must be > 0")
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		bad("OUTBOX_MAX_ATTEMPTS", "OUTBOX_MAX_ATTEMPTS must be > 0")
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.SweepIntervalSec <= 0 {
		bad("SWEEP_INTERVAL_SECONDS", "SWEEP_INTERVAL_SECONDS must be > 0")
		cfg.SweepIntervalSec = 30
	}
	if cfg.SweepBatchSize <= 0 {
		bad("SWEEP_BATCH_SIZE", "SWEEP_BATCH_SIZE must be > 0")
		cfg.SweepBatchSize = 100
	}
	if cfg.WSMaxConnections <= 0 {
		bad("WS_MAX_CONNECTIONS", "WS_MAX_CONNECTIONS must be > 0")
		cfg.WSMaxConnections = 10000
	}
	if cfg.WSSendBuffer <= 0 {
		bad("WS_SEND_BUFFER", "WS_SEND_BUFFER must be > 0")
		cfg.WSSendBuffer = 64
	}
	if cfg.WSPingSec <= 0 || cfg.WSPongWaitSec <= cfg.WSPingSec {
		bad("WS_PONG_WAIT_SECONDS", "WS_PONG_WAIT_SECONDS must be > WS_PING_SECONDS > 0")
		cfg.WSPingSec = 30
		cfg.WSPongWaitSec = 60
	}
	if cfg.WSWriteWaitSec <= 0 {
		bad("WS_WRITE_WAIT_SECONDS", "WS_WRITE_WAIT_SECONDS must be > 0")
		cfg.WSWriteWaitSec = 10
	}
	if cfg.ReconnectMaxAttempts < 0 {
		bad("RECONNECT_MAX_ATTEMPTS", "RECONNECT_MAX_ATTEMPTS must be >= 0")
		cfg.ReconnectMaxAttempts = 2
	}
	if cfg.ReconnectDelaySec <= 0 {
		bad("RECONNECT_DELAY_SECONDS", "RECONNECT_DELAY_SECONDS must be > 0")
		cfg.ReconnectDelaySec = 3
	}
	if cfg.InfluxTimeoutMS <= 0 {
		bad("INFLUX_TIMEOUT_MS", "INFLUX_TIMEOUT_MS must be > 0")
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		bad("OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1")
		cfg.OtelSampleRatio = 1.0
	}
	return problems
}

func loadConfigFile(path string) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	upper := make(map[string]any, len(raw))
	for k, v := range raw {
		upper[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return upper, nil, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

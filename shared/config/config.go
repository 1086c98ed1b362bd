package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

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

	TickIntervalMS      int
	TickInterval        time.Duration
	FleetSize           int
	RouteDurationSec    int
	DefaultDelayMinutes float64
	BroadcastBuffer     int
	TelemetryEveryTicks int
	SinkTimeoutMS       int

	SessionSecret     string
	SessionTTLSeconds int
	CORSOrigins       []string
	RateLimitRPS      float64
	RateLimitBurst    int
	AuditEnabled      bool

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers         []string
	KafkaClientID        string
	KafkaGroupID         string
	KafkaRetryMax        int
	KafkaWriteMS         int
	KafkaIncidentTopic   string
	KafkaCommandTopic    string
	CommandIntakeEnabled bool

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RedisSnapshotKey    string
	RedisSnapshotTTLSec int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqEnabled     bool
	ArchiveMaxRetry  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Default(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

// Default returns the configuration used when neither file nor environment
// override a key.
func Default(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:         serviceName,
		HTTPPort:            httpPort,
		LogLevel:            "info",
		RequestTimeoutMS:    30000,
		RequestTimeout:      30 * time.Second,
		TickIntervalMS:      1000,
		TickInterval:        time.Second,
		FleetSize:           15,
		RouteDurationSec:    3000,
		DefaultDelayMinutes: 10,
		BroadcastBuffer:     16,
		TelemetryEveryTicks: 5,
		SinkTimeoutMS:       2000,
		SessionTTLSeconds:   8 * 3600,
		RateLimitRPS:        5,
		RateLimitBurst:      10,
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		KafkaIncidentTopic:  "train.incidents",
		KafkaCommandTopic:   "train.commands",
		RedisSnapshotKey:    "sim:snapshot",
		RedisSnapshotTTLSec: 30,
		AsynqQueue:          "default",
		AsynqConcurrency:    10,
		ArchiveMaxRetry:     5,
		InfluxTimeoutMS:     5000,
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	def := Default(cfg.ServiceName, httpPortDefault)
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positiveInt(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, def.RequestTimeoutMS)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	positiveInt(problems, "TICK_INTERVAL_MS", &cfg.TickIntervalMS, def.TickIntervalMS)
	cfg.TickInterval = time.Duration(cfg.TickIntervalMS) * time.Millisecond
	positiveInt(problems, "FLEET_SIZE", &cfg.FleetSize, def.FleetSize)
	positiveInt(problems, "ROUTE_DURATION_SECONDS", &cfg.RouteDurationSec, def.RouteDurationSec)
	if cfg.DefaultDelayMinutes <= 0 {
		*problems = append(*problems, Problem{Field: "DEFAULT_DELAY_MINUTES", Message: "DEFAULT_DELAY_MINUTES must be > 0"})
		cfg.DefaultDelayMinutes = def.DefaultDelayMinutes
	}
	positiveInt(problems, "BROADCAST_BUFFER", &cfg.BroadcastBuffer, def.BroadcastBuffer)
	positiveInt(problems, "TELEMETRY_EVERY_TICKS", &cfg.TelemetryEveryTicks, def.TelemetryEveryTicks)
	positiveInt(problems, "SINK_TIMEOUT_MS", &cfg.SinkTimeoutMS, def.SinkTimeoutMS)
	positiveInt(problems, "SESSION_TTL_SECONDS", &cfg.SessionTTLSeconds, def.SessionTTLSeconds)
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = def.RateLimitRPS
	}
	positiveInt(problems, "RATE_LIMIT_BURST", &cfg.RateLimitBurst, def.RateLimitBurst)
	positiveInt(problems, "DB_MAX_CONNS", &cfg.DBMaxConns, def.DBMaxConns)
	if cfg.DBMinConns < 0 {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = def.DBMinConns
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positiveInt(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, def.DBConnMaxIdleSec)
	positiveInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, def.DBConnMaxLifeSec)
	if cfg.KafkaRetryMax < 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = def.KafkaRetryMax
	}
	positiveInt(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, def.KafkaWriteMS)
	if cfg.RedisDB < 0 {
		*problems = append(*problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	positiveInt(problems, "REDIS_SNAPSHOT_TTL_SECONDS", &cfg.RedisSnapshotTTLSec, def.RedisSnapshotTTLSec)
	if cfg.AsynqRedisDB < 0 {
		*problems = append(*problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	positiveInt(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, def.AsynqConcurrency)
	if cfg.ArchiveMaxRetry < 0 {
		*problems = append(*problems, Problem{Field: "ARCHIVE_MAX_RETRY", Message: "ARCHIVE_MAX_RETRY must be >= 0"})
		cfg.ArchiveMaxRetry = def.ArchiveMaxRetry
	}
	positiveInt(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, def.InfluxTimeoutMS)
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	if cfg.CommandIntakeEnabled && len(cfg.KafkaBrokers) == 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when COMMAND_INTAKE_ENABLED"})
	}
}

func positiveInt(problems *[]Problem, key string, v *int, fallback int) {
	if *v <= 0 {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be > 0"})
		*v = fallback
	}
}

type field struct {
	kind string
	set  func(cfg *Config, v any) bool
}

func stringField(target func(*Config) *string) field {
	return field{kind: "a string", set: func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		*target(cfg) = strings.TrimSpace(s)
		return true
	}}
}

func secretField(target func(*Config) *string) field {
	return field{kind: "a string", set: func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		*target(cfg) = s
		return true
	}}
}

func intField(target func(*Config) *int) field {
	return field{kind: "an integer", set: func(cfg *Config, v any) bool {
		i, ok := asInt(v)
		if ok {
			*target(cfg) = i
		}
		return ok
	}}
}

func floatField(target func(*Config) *float64) field {
	return field{kind: "a number", set: func(cfg *Config, v any) bool {
		f, ok := asFloat(v)
		if ok {
			*target(cfg) = f
		}
		return ok
	}}
}

func boolField(target func(*Config) *bool) field {
	return field{kind: "a boolean", set: func(cfg *Config, v any) bool {
		var b, ok bool
		switch t := v.(type) {
		case bool:
			b, ok = t, true
		case string:
			b, ok = asBool(t)
		}
		if ok {
			*target(cfg) = b
		}
		return ok
	}}
}

func csvField(target func(*Config) *[]string) field {
	return field{kind: "a comma separated list", set: func(cfg *Config, v any) bool {
		switch t := v.(type) {
		case string:
			*target(cfg) = parseCSV(t)
		case []any:
			*target(cfg) = parseAnyCSV(t)
		default:
			return false
		}
		return true
	}}
}

var fields = map[string]field{
	"SERVICE_NAME":                 stringField(func(c *Config) *string { return &c.ServiceName }),
	"HTTP_PORT":                    intField(func(c *Config) *int { return &c.HTTPPort }),
	"LOG_LEVEL":                    stringField(func(c *Config) *string { return &c.LogLevel }),
	"REQUEST_TIMEOUT_MS":           intField(func(c *Config) *int { return &c.RequestTimeoutMS }),
	"TICK_INTERVAL_MS":             intField(func(c *Config) *int { return &c.TickIntervalMS }),
	"FLEET_SIZE":                   intField(func(c *Config) *int { return &c.FleetSize }),
	"ROUTE_DURATION_SECONDS":       intField(func(c *Config) *int { return &c.RouteDurationSec }),
	"DEFAULT_DELAY_MINUTES":        floatField(func(c *Config) *float64 { return &c.DefaultDelayMinutes }),
	"BROADCAST_BUFFER":             intField(func(c *Config) *int { return &c.BroadcastBuffer }),
	"TELEMETRY_EVERY_TICKS":        intField(func(c *Config) *int { return &c.TelemetryEveryTicks }),
	"SINK_TIMEOUT_MS":              intField(func(c *Config) *int { return &c.SinkTimeoutMS }),
	"SESSION_SECRET":               secretField(func(c *Config) *string { return &c.SessionSecret }),
	"SESSION_TTL_SECONDS":          intField(func(c *Config) *int { return &c.SessionTTLSeconds }),
	"CORS_ALLOWED_ORIGINS":         csvField(func(c *Config) *[]string { return &c.CORSOrigins }),
	"RATE_LIMIT_RPS":               floatField(func(c *Config) *float64 { return &c.RateLimitRPS }),
	"RATE_LIMIT_BURST":             intField(func(c *Config) *int { return &c.RateLimitBurst }),
	"AUDIT_ENABLED":                boolField(func(c *Config) *bool { return &c.AuditEnabled }),
	"DATABASE_URL":                 stringField(func(c *Config) *string { return &c.DatabaseURL }),
	"DB_MAX_CONNS":                 intField(func(c *Config) *int { return &c.DBMaxConns }),
	"DB_MIN_CONNS":                 intField(func(c *Config) *int { return &c.DBMinConns }),
	"DB_CONN_MAX_IDLE_SECONDS":     intField(func(c *Config) *int { return &c.DBConnMaxIdleSec }),
	"DB_CONN_MAX_LIFETIME_SECONDS": intField(func(c *Config) *int { return &c.DBConnMaxLifeSec }),
	"KAFKA_BROKERS":                csvField(func(c *Config) *[]string { return &c.KafkaBrokers }),
	"KAFKA_CLIENT_ID":              stringField(func(c *Config) *string { return &c.KafkaClientID }),
	"KAFKA_CONSUMER_GROUP":         stringField(func(c *Config) *string { return &c.KafkaGroupID }),
	"KAFKA_RETRY_MAX":              intField(func(c *Config) *int { return &c.KafkaRetryMax }),
	"KAFKA_WRITE_TIMEOUT_MS":       intField(func(c *Config) *int { return &c.KafkaWriteMS }),
	"KAFKA_INCIDENT_TOPIC":         stringField(func(c *Config) *string { return &c.KafkaIncidentTopic }),
	"KAFKA_COMMAND_TOPIC":          stringField(func(c *Config) *string { return &c.KafkaCommandTopic }),
	"COMMAND_INTAKE_ENABLED":       boolField(func(c *Config) *bool { return &c.CommandIntakeEnabled }),
	"REDIS_ADDR":                   stringField(func(c *Config) *string { return &c.RedisAddr }),
	"REDIS_PASSWORD":               secretField(func(c *Config) *string { return &c.RedisPassword }),
	"REDIS_DB":                     intField(func(c *Config) *int { return &c.RedisDB }),
	"REDIS_SNAPSHOT_KEY":           stringField(func(c *Config) *string { return &c.RedisSnapshotKey }),
	"REDIS_SNAPSHOT_TTL_SECONDS":   intField(func(c *Config) *int { return &c.RedisSnapshotTTLSec }),
	"ASYNQ_REDIS_ADDR":             stringField(func(c *Config) *string { return &c.AsynqRedisAddr }),
	"ASYNQ_REDIS_PASSWORD":         secretField(func(c *Config) *string { return &c.AsynqRedisPass }),
	"ASYNQ_REDIS_DB":               intField(func(c *Config) *int { return &c.AsynqRedisDB }),
	"ASYNQ_QUEUE":                  stringField(func(c *Config) *string { return &c.AsynqQueue }),
	"ASYNQ_CONCURRENCY":            intField(func(c *Config) *int { return &c.AsynqConcurrency }),
	"ASYNQ_ENABLED":                boolField(func(c *Config) *bool { return &c.AsynqEnabled }),
	"ARCHIVE_MAX_RETRY":            intField(func(c *Config) *int { return &c.ArchiveMaxRetry }),
	"INFLUX_URL":                   stringField(func(c *Config) *string { return &c.InfluxURL }),
	"INFLUX_TOKEN":                 secretField(func(c *Config) *string { return &c.InfluxToken }),
	"INFLUX_ORG":                   stringField(func(c *Config) *string { return &c.InfluxOrg }),
	"INFLUX_BUCKET":                stringField(func(c *Config) *string { return &c.InfluxBucket }),
	"INFLUX_TIMEOUT_MS":            intField(func(c *Config) *int { return &c.InfluxTimeoutMS }),
	"OTEL_ENABLED":                 boolField(func(c *Config) *bool { return &c.OtelEnabled }),
	"OTEL_EXPORTER_OTLP_ENDPOINT":  stringField(func(c *Config) *string { return &c.OtelEndpoint }),
	"OTEL_EXPORTER_OTLP_INSECURE":  boolField(func(c *Config) *bool { return &c.OtelInsecure }),
	"OTEL_SAMPLE_RATIO":            floatField(func(c *Config) *float64 { return &c.OtelSampleRatio }),
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

// applyEnv overrides keys from the process environment. HTTP_PORT falls
// back to PORT.
func applyEnv(cfg *Config, problems *[]Problem) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw, ok := os.LookupEnv(key)
		if key == "HTTP_PORT" && strings.TrimSpace(raw) == "" {
			raw, ok = os.LookupEnv("PORT")
		}
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		f := fields[key]
		if !f.set(cfg, raw) {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be " + f.kind})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		f, ok := fields[key]
		if !ok {
			continue
		}
		if !f.set(cfg, v) {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be " + f.kind})
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
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

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

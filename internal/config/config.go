package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN enables the escalated-task archive when non-empty. The
	// in-process queue and pools never touch it.
	PostgresDSN string

	QueueCapacity     int
	QueueHistory      int
	QueuePollInterval time.Duration

	PoolDefaultWorkers int
	PoolBacklogFactor  int

	EscalateMaxAttempts  int
	EscalateRetryDelay   time.Duration
	EscalateResultTTL    time.Duration
	EscalateVisibility   time.Duration
	EscalatePollInterval time.Duration

	MonitorInterval        time.Duration
	MonitorCPUThreshold    float64
	MonitorMemoryThreshold float64
	MonitorDiskThreshold   float64
	MonitorDiskPath        string
	MonitorMaintenance     bool

	RateLimitCapacity int
	RateLimitRefill   float64

	ArtifactDir         string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for
// local development. When JOBS_CONFIG_FILE points at a YAML file, values set
// there override the environment-derived ones.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		QueueCapacity:     getEnvInt("QUEUE_CAPACITY", 1000),
		QueueHistory:      getEnvInt("QUEUE_HISTORY", 1000),
		QueuePollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),

		PoolDefaultWorkers: getEnvInt("POOL_DEFAULT_WORKERS", 5),
		PoolBacklogFactor:  getEnvInt("POOL_BACKLOG_FACTOR", 256),

		EscalateMaxAttempts:  getEnvInt("ESCALATE_MAX_ATTEMPTS", 3),
		EscalateRetryDelay:   getEnvDuration("ESCALATE_RETRY_DELAY", time.Minute),
		EscalateResultTTL:    getEnvDuration("ESCALATE_RESULT_TTL", time.Hour),
		EscalateVisibility:   getEnvDuration("ESCALATE_VISIBILITY", 30*time.Second),
		EscalatePollInterval: getEnvDuration("ESCALATE_POLL_INTERVAL", time.Second),

		MonitorInterval:        getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
		MonitorCPUThreshold:    getEnvFloat("MONITOR_CPU_THRESHOLD", 80),
		MonitorMemoryThreshold: getEnvFloat("MONITOR_MEMORY_THRESHOLD", 85),
		MonitorDiskThreshold:   getEnvFloat("MONITOR_DISK_THRESHOLD", 90),
		MonitorDiskPath:        getEnv("MONITOR_DISK_PATH", "/"),
		MonitorMaintenance:     getEnvBool("MONITOR_MAINTENANCE", false),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),

		ArtifactDir:         getEnv("ARTIFACT_DIR", "./artifacts"),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
	}

	if path := os.Getenv("JOBS_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// fileConfig mirrors the YAML overlay. Pointer fields distinguish "absent"
// from zero values so the file only overrides keys it names.
type fileConfig struct {
	Env         *string `yaml:"env"`
	HTTPPort    *string `yaml:"http_port"`
	MetricsAddr *string `yaml:"metrics_addr"`

	Redis struct {
		Addr     *string `yaml:"addr"`
		Password *string `yaml:"password"`
		DB       *int    `yaml:"db"`
	} `yaml:"redis"`

	PostgresDSN *string `yaml:"postgres_dsn"`

	Queue struct {
		Capacity     *int    `yaml:"capacity"`
		History      *int    `yaml:"history"`
		PollInterval *string `yaml:"poll_interval"`
	} `yaml:"queue"`

	Pools struct {
		DefaultWorkers *int `yaml:"default_workers"`
		BacklogFactor  *int `yaml:"backlog_factor"`
	} `yaml:"pools"`

	Escalate struct {
		MaxAttempts  *int    `yaml:"max_attempts"`
		RetryDelay   *string `yaml:"retry_delay"`
		ResultTTL    *string `yaml:"result_ttl"`
		Visibility   *string `yaml:"visibility"`
		PollInterval *string `yaml:"poll_interval"`
	} `yaml:"escalate"`

	Monitor struct {
		Interval        *string  `yaml:"interval"`
		CPUThreshold    *float64 `yaml:"cpu_threshold"`
		MemoryThreshold *float64 `yaml:"memory_threshold"`
		DiskThreshold   *float64 `yaml:"disk_threshold"`
		DiskPath        *string  `yaml:"disk_path"`
		Maintenance     *bool    `yaml:"maintenance"`
	} `yaml:"monitor"`

	Artifacts struct {
		Dir         *string `yaml:"dir"`
		S3Bucket    *string `yaml:"s3_bucket"`
		S3Region    *string `yaml:"s3_region"`
		S3Endpoint  *string `yaml:"s3_endpoint"`
		S3PathStyle *bool   `yaml:"s3_path_style"`
	} `yaml:"artifacts"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setString(&c.Env, fc.Env)
	setString(&c.HTTPPort, fc.HTTPPort)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	setString(&c.RedisAddr, fc.Redis.Addr)
	setString(&c.RedisPassword, fc.Redis.Password)
	setInt(&c.RedisDB, fc.Redis.DB)
	setString(&c.PostgresDSN, fc.PostgresDSN)
	setInt(&c.QueueCapacity, fc.Queue.Capacity)
	setInt(&c.QueueHistory, fc.Queue.History)
	if err := setDuration(&c.QueuePollInterval, fc.Queue.PollInterval); err != nil {
		return err
	}
	setInt(&c.PoolDefaultWorkers, fc.Pools.DefaultWorkers)
	setInt(&c.PoolBacklogFactor, fc.Pools.BacklogFactor)
	setInt(&c.EscalateMaxAttempts, fc.Escalate.MaxAttempts)
	if err := setDuration(&c.EscalateRetryDelay, fc.Escalate.RetryDelay); err != nil {
		return err
	}
	if err := setDuration(&c.EscalateResultTTL, fc.Escalate.ResultTTL); err != nil {
		return err
	}
	if err := setDuration(&c.EscalateVisibility, fc.Escalate.Visibility); err != nil {
		return err
	}
	if err := setDuration(&c.EscalatePollInterval, fc.Escalate.PollInterval); err != nil {
		return err
	}
	if err := setDuration(&c.MonitorInterval, fc.Monitor.Interval); err != nil {
		return err
	}
	setFloat(&c.MonitorCPUThreshold, fc.Monitor.CPUThreshold)
	setFloat(&c.MonitorMemoryThreshold, fc.Monitor.MemoryThreshold)
	setFloat(&c.MonitorDiskThreshold, fc.Monitor.DiskThreshold)
	setString(&c.MonitorDiskPath, fc.Monitor.DiskPath)
	setBool(&c.MonitorMaintenance, fc.Monitor.Maintenance)
	setString(&c.ArtifactDir, fc.Artifacts.Dir)
	setString(&c.ArtifactS3Bucket, fc.Artifacts.S3Bucket)
	setString(&c.ArtifactS3Region, fc.Artifacts.S3Region)
	setString(&c.ArtifactS3Endpoint, fc.Artifacts.S3Endpoint)
	setBool(&c.ArtifactS3PathStyle, fc.Artifacts.S3PathStyle)

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("duration %q: %w", *v, err)
	}
	*dst = d
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"

	DetectHeaders  = "headers"
	DetectRedirect = "redirect"
)

type Config struct {
	DatabaseURL string
	StoreDriver string
	DBPath      string
	LogLevel    string
	LogFile     string
	MetricsAddr string
	Lock        LockConfig
	S3          S3Config
	Archive     ArchiveConfig
	Scheduler   SchedulerConfig
	Sync        SyncConfig
	HTTP        HTTPConfig
	Datasets    map[string]*DatasetConfig
}

type LockConfig struct {
	Backend  string
	Name     string
	TTL      time.Duration
	RedisURL string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, MinIO
	AccessKeyID     string
	SecretAccessKey string
}

type ArchiveConfig struct {
	Prefix      string
	Dir         string
	DownloadDir string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
	OnStart  bool
}

type SyncConfig struct {
	MinScore           int
	MaxCandidates      int
	OrganizationIDs    []string
	Force              bool
	ChunkSize          int
	DatasetConcurrency int
	MinValidRows       int
}

type HTTPConfig struct {
	MetadataTimeout time.Duration
	DownloadTimeout time.Duration
	ProxyURL        string
}

// DatasetConfig describes one remote public-records source.
type DatasetConfig struct {
	Key           string   `yaml:"key"`
	Name          string   `yaml:"name"`
	Provider      string   `yaml:"provider"`
	URL           string   `yaml:"url"`
	Detect        string   `yaml:"detect"`
	Region        string   `yaml:"region"`
	County        string   `yaml:"county"`
	State         string   `yaml:"state"`
	ArchiveName   string   `yaml:"archive_name"`
	ContentType   string   `yaml:"content_type"`
	Opportunities bool     `yaml:"opportunities"`
	Markers       []string `yaml:"markers"`
	Delimiter     string   `yaml:"delimiter"`
}

func (d *DatasetConfig) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("dataset missing key")
	}
	if d.URL == "" {
		return fmt.Errorf("dataset %s: missing url", d.Key)
	}
	if d.Provider == "" {
		return fmt.Errorf("dataset %s: missing provider", d.Key)
	}
	switch d.Detect {
	case "":
		d.Detect = DetectHeaders
	case DetectHeaders, DetectRedirect:
	default:
		return fmt.Errorf("dataset %s: unknown detect mode %q", d.Key, d.Detect)
	}
	if d.Region == "" {
		d.Region = strings.ToLower(d.State)
	}
	return nil
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	driver := getEnv("STORE_DRIVER", "")
	if driver == "" {
		driver = DriverSQLite
		if dbURL != "" {
			driver = DriverPostgres
		}
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, driver)
	}
	if driver == DriverPostgres && dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
	}

	cfg := &Config{
		DatabaseURL: dbURL,
		StoreDriver: driver,
		DBPath:      getEnv("DB_PATH", "records.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", "sync.log"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		Lock: LockConfig{
			Backend:  getEnv("LOCK_BACKEND", driver),
			Name:     getEnv("LOCK_NAME", "public-records-sync"),
			TTL:      getEnvDuration("LOCK_TTL", 30*time.Minute),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Archive: ArchiveConfig{
			Prefix:      getEnv("ARCHIVE_PREFIX", "public-records"),
			Dir:         getEnv("ARCHIVE_DIR", "archive"),
			DownloadDir: getEnv("DOWNLOAD_DIR", os.TempDir()),
		},
		Scheduler: SchedulerConfig{
			Cron:     os.Getenv("SYNC_CRON"),
			Interval: getEnvDuration("SYNC_INTERVAL", 0),
			OnStart:  getEnvBool("SYNC_ON_START", false),
		},
		Sync: SyncConfig{
			MinScore:           getEnvInt("SYNC_MIN_SCORE", 40),
			MaxCandidates:      getEnvInt("SYNC_MAX_CANDIDATES", 5000),
			OrganizationIDs:    splitList(os.Getenv("SYNC_ORG_IDS")),
			Force:              getEnvBool("SYNC_FORCE", false),
			ChunkSize:          getEnvInt("SYNC_CHUNK_SIZE", 250),
			DatasetConcurrency: getEnvInt("SYNC_DATASET_CONCURRENCY", 1),
			MinValidRows:       getEnvInt("SYNC_MIN_VALID_ROWS", 1),
		},
		HTTP: HTTPConfig{
			MetadataTimeout: getEnvDuration("HTTP_METADATA_TIMEOUT", 30*time.Second),
			DownloadTimeout: getEnvDuration("HTTP_DOWNLOAD_TIMEOUT", 30*time.Minute),
			ProxyURL:        os.Getenv("HTTP_PROXY_URL"),
		},
		Datasets: make(map[string]*DatasetConfig),
	}

	switch cfg.Lock.Backend {
	case DriverPostgres:
		if dbURL == "" {
			return nil, fmt.Errorf("LOCK_BACKEND=postgres requires DATABASE_URL")
		}
	case DriverRedis:
		if cfg.Lock.RedisURL == "" {
			return nil, fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	case DriverSQLite:
	default:
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.Lock.Backend)
	}

	if cfg.Sync.ChunkSize <= 0 {
		cfg.Sync.ChunkSize = 250
	}
	if cfg.Sync.DatasetConcurrency <= 0 {
		cfg.Sync.DatasetConcurrency = 1
	}

	if err := cfg.loadDatasetConfigs(getEnv("DATASET_CONFIG_DIR", "config/datasets")); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadDatasetConfigs(configDir string) error {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || (filepath.Ext(entry.Name()) != ".yaml" && filepath.Ext(entry.Name()) != ".yml") {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		ds, err := ParseDataset(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := c.Datasets[ds.Key]; dup {
			return fmt.Errorf("%s: duplicate dataset key %q", path, ds.Key)
		}
		c.Datasets[ds.Key] = ds
	}

	return nil
}

// ParseDataset decodes and validates one dataset descriptor.
func ParseDataset(data []byte) (*DatasetConfig, error) {
	var ds DatasetConfig
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// DatasetKeys returns dataset keys in a stable order.
func (c *Config) DatasetKeys() []string {
	keys := make([]string, 0, len(c.Datasets))
	for k := range c.Datasets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

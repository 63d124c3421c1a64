package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config 应用配置结构
type Config struct {
	Server  ServerConfig  `json:"server"`
	Data    DataConfig    `json:"data"`
	Sync    SyncConfig    `json:"sync"`
	OAuth   OAuthConfig   `json:"oauth"`
	AI      AIConfig      `json:"ai"`
	Cleanup CleanupConfig `json:"cleanup"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig 本地桥接服务配置
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        string   `json:"port"`
	Env         string   `json:"env"`
	CORSOrigins []string `json:"cors_origins"`
}

// DataConfig 数据目录配置
type DataConfig struct {
	Dir            string `json:"dir"`             // 应用数据根目录
	DatabasePath   string `json:"database_path"`   // SQLite数据库文件
	AttachmentsDir string `json:"attachments_dir"` // 附件内容寻址存储
	AvatarsDir     string `json:"avatars_dir"`     // 头像缓存
	SearchIndexDir string `json:"search_index_dir"`
	KeyFilePath    string `json:"key_file_path"` // 32字节数据库加密密钥
}

// SyncConfig 同步调度配置
type SyncConfig struct {
	WorkerCount        int           `json:"worker_count"`
	SchedulerTick      time.Duration `json:"scheduler_tick"`
	BodyFetchTick      time.Duration `json:"body_fetch_tick"`
	BodyFetchBatchSize int           `json:"body_fetch_batch_size"`
	InitialSync        bool          `json:"initial_sync"`
	BodyConversionMode string        `json:"body_conversion_mode"` // markdown 或 text
}

// OAuthConfig OAuth2配置
type OAuthConfig struct {
	Gmail     OAuthProviderConfig `json:"gmail"`
	Office365 OAuthProviderConfig `json:"office365"`
}

// OAuthProviderConfig OAuth2提供商配置
type OAuthProviderConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
}

// AIConfig 邮件分析配置
type AIConfig struct {
	AnalysisTick        time.Duration `json:"analysis_tick"`
	MaxPromptBodyLength int           `json:"max_prompt_body_length"`
}

// CleanupConfig 后台清理配置
type CleanupConfig struct {
	Tick            time.Duration `json:"tick"`
	DeletedRetained time.Duration `json:"deleted_retained"` // 软删除保留时长
	BatchSize       int           `json:"batch_size"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `json:"level"`
}

// Load 从环境变量加载配置
func Load() *Config {
	dataDir := getEnv("RAVN_DATA_DIR", "")
	if dataDir == "" {
		if configDir, err := os.UserConfigDir(); err == nil {
			dataDir = filepath.Join(configDir, "ravn")
		} else {
			dataDir = "./data"
		}
	}

	return &Config{
		Server: ServerConfig{
			Host: getEnv("RAVN_HOST", "127.0.0.1"),
			Port: getEnv("RAVN_PORT", "7421"),
			Env:  getEnv("RAVN_ENV", "development"),
			CORSOrigins: strings.Split(
				getEnv("RAVN_CORS_ORIGINS", "http://localhost:1420,tauri://localhost"), ","),
		},
		Data: DataConfig{
			Dir:            dataDir,
			DatabasePath:   getEnv("RAVN_DB_PATH", filepath.Join(dataDir, "ravn.db")),
			AttachmentsDir: filepath.Join(dataDir, "attachments"),
			AvatarsDir:     filepath.Join(dataDir, "avatars"),
			SearchIndexDir: filepath.Join(dataDir, "search_index"),
			KeyFilePath:    filepath.Join(dataDir, ".ravn_key"),
		},
		Sync: SyncConfig{
			WorkerCount:        getEnvInt("RAVN_SYNC_WORKERS", 3),
			SchedulerTick:      getEnvDuration("RAVN_SCHEDULER_TICK", 10*time.Second),
			BodyFetchTick:      getEnvDuration("RAVN_BODY_FETCH_TICK", 5*time.Second),
			BodyFetchBatchSize: getEnvInt("RAVN_BODY_FETCH_BATCH", 10),
			InitialSync:        getEnvBool("RAVN_INITIAL_SYNC", true),
			BodyConversionMode: getEnv("RAVN_BODY_CONVERSION", "markdown"),
		},
		OAuth: OAuthConfig{
			Gmail: OAuthProviderConfig{
				ClientID:     getEnv("RAVN_GMAIL_CLIENT_ID", ""),
				ClientSecret: getEnv("RAVN_GMAIL_CLIENT_SECRET", ""),
				RedirectURL:  getEnv("RAVN_GMAIL_REDIRECT_URL", "http://localhost:7421/oauth/callback"),
			},
			Office365: OAuthProviderConfig{
				ClientID:     getEnv("RAVN_OFFICE365_CLIENT_ID", ""),
				ClientSecret: getEnv("RAVN_OFFICE365_CLIENT_SECRET", ""),
				RedirectURL:  getEnv("RAVN_OFFICE365_REDIRECT_URL", "http://localhost:7421/oauth/callback"),
			},
		},
		AI: AIConfig{
			AnalysisTick:        getEnvDuration("RAVN_AI_TICK", time.Minute),
			MaxPromptBodyLength: getEnvInt("RAVN_AI_MAX_BODY", 4000),
		},
		Cleanup: CleanupConfig{
			Tick:            getEnvDuration("RAVN_CLEANUP_TICK", time.Hour),
			DeletedRetained: getEnvDuration("RAVN_CLEANUP_RETENTION", 30*24*time.Hour),
			BatchSize:       getEnvInt("RAVN_CLEANUP_BATCH", 100),
		},
		Logging: LoggingConfig{
			Level: getEnv("RAVN_LOG_LEVEL", "info"),
		},
	}
}

// EnsureDirs 创建所有数据目录
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Data.Dir,
		c.Data.AttachmentsDir,
		c.Data.AvatarsDir,
		c.Data.SearchIndexDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

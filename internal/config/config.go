package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config 聚合客户端的全部配置项。
type Config struct {
	Server  ServerConfig
	API     APIConfig
	Storage StorageConfig
	Upload  UploadConfig
	Log     LogConfig
}

// ServerConfig 描述本地 HTTP 门面的监听配置。
type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	Addr string
}

// APIConfig 描述远端合规 API。
type APIConfig struct {
	BaseURL string        `env:"GALAXY_API_BASE" envDefault:"http://localhost:8000"`
	Timeout time.Duration `env:"GALAXY_API_TIMEOUT" envDefault:"120s"`
	UseKB   bool          `env:"GALAXY_USE_KB" envDefault:"true"`
}

// StorageConfig 描述本地持久化位置。
type StorageConfig struct {
	Path string `env:"GALAXY_STORAGE_PATH"`
}

// UploadConfig 描述上传约束。
type UploadConfig struct {
	AllowedExtensions []string `env:"GALAXY_UPLOAD_EXTENSIONS" envSeparator:"," envDefault:".pdf"`
	MaxDocuments      int      `env:"GALAXY_MAX_DOCUMENTS" envDefault:"10"`
	DefaultFileType   string   `env:"GALAXY_DEFAULT_FILE_TYPE" envDefault:"customer"`
	WatchDir          string   `env:"GALAXY_WATCH_DIR"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	File  string `env:"LOG_FILE"`
	JSON  bool   `env:"LOG_JSON" envDefault:"false"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	addr, err := normalizeAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.API.validate(); err != nil {
		return nil, err
	}

	if err := cfg.Upload.normalize(); err != nil {
		return nil, err
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath()
	}

	return cfg, nil
}

// normalizeAddr 解析服务器监听地址。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	// 门面只服务本机 UI，默认绑定回环地址。
	return "127.0.0.1:" + port, nil
}

func (c *APIConfig) validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid GALAXY_API_BASE value: %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid GALAXY_API_TIMEOUT value: %s", c.Timeout)
	}
	return nil
}

func (c *UploadConfig) normalize() error {
	if c.MaxDocuments < 1 {
		return fmt.Errorf("invalid GALAXY_MAX_DOCUMENTS value: %d", c.MaxDocuments)
	}

	exts := make([]string, 0, len(c.AllowedExtensions))
	for _, ext := range c.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		return errors.New("GALAXY_UPLOAD_EXTENSIONS must list at least one extension")
	}
	c.AllowedExtensions = exts

	switch c.DefaultFileType {
	case "customer", "regulation":
	default:
		return fmt.Errorf("invalid GALAXY_DEFAULT_FILE_TYPE value: %q", c.DefaultFileType)
	}
	return nil
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "compliance-galaxy", "client.db")
}

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallnest/flowpost/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// DefaultServerURL 执行器默认地址
	DefaultServerURL = "http://localhost:31347"
	// DefaultHealthPath 执行器健康检查路径
	DefaultHealthPath = "/v1/healthz"
)

var (
	globalMu     sync.RWMutex
	globalConfig *Config
	usedPath     string
)

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件搜索路径（按优先级）
		dataDir, err := DataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		// 1) 当前工作目录下 .flowpost/config.json
		v.AddConfigPath(filepath.Join(".", ".flowpost"))
		// 2) 当前工作目录 ./config.json
		v.AddConfigPath(".")
		// 3) 用户目录 ~/.flowpost/config.json
		v.AddConfigPath(dataDir)
		v.SetConfigName("config")
		v.SetConfigType("json")
	}

	v.SetEnvPrefix("FLOWPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在，使用默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Archive.Path = ExpandUserPath(cfg.Archive.Path)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	globalMu.Lock()
	globalConfig = &cfg
	usedPath = v.ConfigFileUsed()
	globalMu.Unlock()
	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("executor.server_url", DefaultServerURL)
	v.SetDefault("executor.health_path", DefaultHealthPath)
	// Use time.Duration defaults; plain integers would become nanoseconds when unmarshaled.
	v.SetDefault("executor.health_interval", 2*time.Second)
	v.SetDefault("executor.health_timeout", 5*time.Second)

	v.SetDefault("stream.path", "/socket.io/")
	v.SetDefault("stream.reconnection", true)
	v.SetDefault("stream.reconnection_attempts", 5)
	v.SetDefault("stream.reconnection_delay", time.Second)
	// 0 表示按 reconnection_delay 恒定间隔重试
	v.SetDefault("stream.reconnection_delay_max", time.Duration(0))
	v.SetDefault("stream.handshake_timeout", 10*time.Second)
	v.SetDefault("stream.join_timeout", time.Duration(0))

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", "~/.flowpost/runs.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.addr", "")
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// 默认值总能解码
	_ = v.Unmarshal(&cfg)
	cfg.Archive.Path = ExpandUserPath(cfg.Archive.Path)
	return &cfg
}

// Validate 验证配置
func Validate(cfg *Config) error {
	u, err := url.Parse(cfg.Executor.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("executor config invalid: server_url %q is not an absolute url", cfg.Executor.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("executor config invalid: unsupported scheme %q", u.Scheme)
	}
	if cfg.Stream.ReconnectionAttempts < 0 {
		return fmt.Errorf("stream config invalid: reconnection_attempts must not be negative")
	}
	if cfg.Stream.ReconnectionDelay <= 0 {
		return fmt.Errorf("stream config invalid: reconnection_delay must be positive")
	}
	if cfg.Stream.ReconnectionDelayMax > 0 && cfg.Stream.ReconnectionDelayMax < cfg.Stream.ReconnectionDelay {
		return fmt.Errorf("stream config invalid: reconnection_delay_max is below reconnection_delay")
	}
	if cfg.Stream.JoinTimeout < 0 {
		return fmt.Errorf("stream config invalid: join_timeout must not be negative")
	}
	if cfg.Archive.Enabled && strings.TrimSpace(cfg.Archive.Path) == "" {
		return fmt.Errorf("archive config invalid: path is required when enabled")
	}
	return nil
}

// Save 保存配置到文件
func Save(cfg *Config, path string) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get 获取全局配置
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}

// UsedPath 返回最近一次 Load 实际读取的配置文件，没有时为空
func UsedPath() string {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return usedPath
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(dataDir, "config.json"), nil
}

// Watch 监听配置文件变化，重新加载成功后回调 onChange
// 监听的是所在目录，编辑器的原子替换写入也能捕获
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	target := filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(target)
				if err != nil {
					logger.Warn("Ignoring invalid config change",
						zap.String("path", target),
						zap.Error(err))
					continue
				}
				logger.Debug("Config reloaded", zap.String("path", target))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

package config

import (
	"time"
)

// Config 是主配置结构
type Config struct {
	Executor ExecutorConfig `mapstructure:"executor" json:"executor" yaml:"executor"`
	Stream   StreamConfig   `mapstructure:"stream" json:"stream" yaml:"stream"`
	Archive  ArchiveConfig  `mapstructure:"archive" json:"archive" yaml:"archive"`
	Log      LogConfig      `mapstructure:"log" json:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
}

// ExecutorConfig 本地执行器地址与健康检查
type ExecutorConfig struct {
	ServerURL      string        `mapstructure:"server_url" json:"server_url" yaml:"server_url"`
	HealthPath     string        `mapstructure:"health_path" json:"health_path" yaml:"health_path"`
	HealthInterval time.Duration `mapstructure:"health_interval" json:"health_interval" yaml:"health_interval"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout" json:"health_timeout" yaml:"health_timeout"`
}

// StreamConfig 运行日志流的传输层配置
type StreamConfig struct {
	Path                 string        `mapstructure:"path" json:"path" yaml:"path"`
	Reconnection         bool          `mapstructure:"reconnection" json:"reconnection" yaml:"reconnection"`
	ReconnectionAttempts int           `mapstructure:"reconnection_attempts" json:"reconnection_attempts" yaml:"reconnection_attempts"`
	ReconnectionDelay    time.Duration `mapstructure:"reconnection_delay" json:"reconnection_delay" yaml:"reconnection_delay"`
	// 大于 ReconnectionDelay 时使用指数退避，0 表示恒定间隔
	ReconnectionDelayMax time.Duration `mapstructure:"reconnection_delay_max" json:"reconnection_delay_max" yaml:"reconnection_delay_max"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout" yaml:"handshake_timeout"`
	// 0 表示不等待 join 确认
	JoinTimeout time.Duration `mapstructure:"join_timeout" json:"join_timeout" yaml:"join_timeout"`
}

// ArchiveConfig 本地运行归档
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" json:"path" yaml:"path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Development bool   `mapstructure:"development" json:"development" yaml:"development"`
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

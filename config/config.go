package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "MEDSEC"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Scratch   ScratchConfig   `mapstructure:"scratch"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Redaction RedactionConfig `mapstructure:"redaction"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Store     StoreConfig     `mapstructure:"store"`
	Restore   RestoreConfig   `mapstructure:"restore"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AdminToken 为空时关闭 /api/v1/admin 下的全部接口
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size" validate:"gt=0"`
	AllowedTypes []string `mapstructure:"allowed_types" validate:"min=1"`
}

// ScratchConfig 脱敏过程中的临时文件目录
type ScratchConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

type DetectorConfig struct {
	// Backend: onnx 使用本地 gocv DNN，remote 调用 HTTP 推理服务，cascade 使用 Haar 人脸级联
	Backend       string        `mapstructure:"backend" validate:"oneof=onnx remote cascade"`
	ModelPath     string        `mapstructure:"model_path" validate:"required_unless=Backend remote"`
	RemoteURL     string        `mapstructure:"remote_url" validate:"required_if=Backend remote"`
	InputSize     int           `mapstructure:"input_size" validate:"gt=0"`
	Confidence    float64       `mapstructure:"confidence" validate:"gt=0,lte=1"`
	IoU           float64       `mapstructure:"iou" validate:"gt=0,lte=1"`
	MaxDetections int           `mapstructure:"max_detections" validate:"gt=0"`
	Classes       []string      `mapstructure:"classes"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RedactionConfig struct {
	MaxCoverage       float64 `mapstructure:"max_coverage" validate:"gt=0,lte=1"`
	MaxRegions        int     `mapstructure:"max_regions" validate:"gt=0"`
	MaxConcurrent     int     `mapstructure:"max_concurrent" validate:"gt=0"`
	QueueTimeout      int     `mapstructure:"queue_timeout" validate:"gt=0"`
	CompositeMaxWidth int     `mapstructure:"composite_max_width" validate:"gt=0"`
}

type CryptoConfig struct {
	KeyHex string `mapstructure:"key_hex" validate:"omitempty,hexadecimal,len=64"`
	// KeyFile 优先于 KeyHex，文件内容为十六进制密钥，过期后重新读取以支持轮换
	KeyFile   string        `mapstructure:"key_file"`
	KeyReload time.Duration `mapstructure:"key_reload"`
}

type CacheConfig struct {
	LocalCapacity int           `mapstructure:"local_capacity" validate:"gt=0"`
	SharedTTL     time.Duration `mapstructure:"shared_ttl"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

type StoreConfig struct {
	Dir      string `mapstructure:"dir" validate:"required_unless=InMemory true"`
	InMemory bool   `mapstructure:"in_memory"`
}

type RestoreConfig struct {
	ResultTTL   time.Duration `mapstructure:"result_ttl"`
	TimeBucket  time.Duration `mapstructure:"time_bucket" validate:"gt=0"`
	CacheResult bool          `mapstructure:"cache_result"`
}

// Load 从 YAML 文件加载配置，path 为空时仅使用默认值；环境变量 MEDSEC_* 覆盖文件值
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// New 加载配置，文件缺失时退回默认值
func New(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsRelease 生产模式下缺少密钥必须失败
func (c *Config) IsRelease() bool {
	return c.Server.Mode == "release"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("upload.max_size", 20*1024*1024)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/jpg"})

	v.SetDefault("scratch.dir", "./scratch")

	v.SetDefault("detector.backend", "onnx")
	v.SetDefault("detector.model_path", "./models/yolov8n.onnx")
	v.SetDefault("detector.remote_url", "")
	v.SetDefault("detector.input_size", 640)
	v.SetDefault("detector.confidence", 0.25)
	v.SetDefault("detector.iou", 0.45)
	v.SetDefault("detector.max_detections", 10)
	v.SetDefault("detector.classes", []string{})
	v.SetDefault("detector.timeout", 30*time.Second)

	v.SetDefault("redaction.max_coverage", 0.7)
	v.SetDefault("redaction.max_regions", 1)
	v.SetDefault("redaction.max_concurrent", 3)
	v.SetDefault("redaction.queue_timeout", 60)
	v.SetDefault("redaction.composite_max_width", 640)

	v.SetDefault("crypto.key_hex", "")
	v.SetDefault("crypto.key_file", "")
	v.SetDefault("crypto.key_reload", time.Hour)

	v.SetDefault("cache.local_capacity", 50)
	v.SetDefault("cache.shared_ttl", time.Hour)
	v.SetDefault("cache.key_prefix", "medsec:region:")

	v.SetDefault("store.dir", "./data")
	v.SetDefault("store.in_memory", false)

	v.SetDefault("restore.result_ttl", 5*time.Minute)
	v.SetDefault("restore.time_bucket", 5*time.Minute)
	v.SetDefault("restore.cache_result", true)
}

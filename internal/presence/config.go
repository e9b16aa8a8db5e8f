package presence

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix はエージェント設定を上書きする環境変数のプレフィックス。
const EnvPrefix = "DEVICEGATE_AGENT_"

// Config はプレゼンスエージェントの設定。
// デフォルト値、TOMLファイル、環境変数、コマンドラインフラグの順に読み込み、後のものが優先される。
type Config struct {
	ServerURL         string        `koanf:"server_url"`
	Token             string        `koanf:"token"`
	DeviceIDFile      string        `koanf:"device_id_file"`
	DeviceName        string        `koanf:"device_name"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
}

// LoadConfig は設定を読み込む。pathが空の場合はファイルを読まない。
// overridesにはコマンドラインで明示された値をkoanfのキー名で渡す。
func LoadConfig(path string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"server_url":         "http://localhost:8080",
		"device_id_file":     DefaultDeviceIDPath(),
		"device_name":        defaultDeviceName(),
		"heartbeat_interval": DefaultHeartbeatInterval.String(),
		"request_timeout":    "10s",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("デフォルト設定の読み込みに失敗しました: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗しました: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("フラグ設定の読み込みに失敗しました: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗しました: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は必須項目と値の範囲を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.DeviceIDFile == "" {
		errs = append(errs, errors.New("device_id_file is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	return errors.Join(errs...)
}

// defaultDeviceName はホスト名とOS/アーキテクチャから端末名を生成する。
func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "Device"
	}
	return fmt.Sprintf("%s · %s/%s", host, runtime.GOOS, runtime.GOARCH)
}

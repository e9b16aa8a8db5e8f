package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hitoshi/devicegate/internal/logger"
	"github.com/hitoshi/devicegate/internal/presence"
)

func main() {
	app := &cli.App{
		Name:  "devicegate-agent",
		Usage: "keep this device signed in to devicegate by registering and sending heartbeats",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				EnvVars: []string{"DEVICEGATE_AGENT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "server-url",
				Usage: "devicegate API base URL (overrides config)",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "bearer token issued by the devicegate token command (overrides config)",
			},
			&cli.StringFlag{
				Name:  "device-name",
				Usage: "name shown in the device list (overrides config)",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-interval",
				Usage: "interval between heartbeats (overrides config)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Action: runAgent,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// flagOverrides はコマンドラインで明示されたフラグだけを設定キーに変換する。
func flagOverrides(c *cli.Context) map[string]interface{} {
	overrides := map[string]interface{}{}
	for flag, key := range map[string]string{
		"server-url":  "server_url",
		"token":       "token",
		"device-name": "device_name",
	} {
		if c.IsSet(flag) {
			overrides[key] = c.String(flag)
		}
	}
	if c.IsSet("heartbeat-interval") {
		overrides["heartbeat_interval"] = c.Duration("heartbeat-interval").String()
	}
	return overrides
}

func runAgent(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	l := logger.SetupDefault(os.Stderr, level)

	cfg, err := presence.LoadConfig(c.String("config"), flagOverrides(c))
	if err != nil {
		return err
	}

	deviceID, err := presence.LoadOrCreateDeviceID(cfg.DeviceIDFile)
	if err != nil {
		return err
	}

	client := presence.NewClient(&http.Client{Timeout: cfg.RequestTimeout}, cfg.ServerURL, cfg.Token)
	agent := presence.NewAgent(client, l, presence.AgentConfig{
		DeviceID:          deviceID,
		DeviceName:        cfg.DeviceName,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.Info("プレゼンスエージェントを開始します",
		slog.String("server_url", cfg.ServerURL),
		slog.String("device_id", deviceID),
		slog.Duration("heartbeat_interval", cfg.HeartbeatInterval),
	)
	agent.Run(ctx)
	return nil
}

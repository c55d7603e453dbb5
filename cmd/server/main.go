package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/dujiao-next/paygate/internal/app"
	"github.com/dujiao-next/paygate/internal/auth"
	"github.com/dujiao-next/paygate/internal/config"
	"github.com/dujiao-next/paygate/internal/logger"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiCyan  = "\033[36m"
)

func main() {
	var (
		mode       string
		configPath string
		issueFor   string
	)
	flag.StringVar(&mode, "mode", app.ModeAll, "启动模式: all (默认), api, worker")
	flag.StringVar(&configPath, "config", "", "配置文件路径，留空时按默认目录查找 config.yml")
	flag.StringVar(&issueFor, "issue-token", "", "为指定调用方签发业务接口令牌后退出")
	flag.Parse()

	fmt.Println(ansiCyan + ansiBold + "paygate " + mode + ansiReset)

	// 加载配置
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	stdLog := logger.StdLogger()

	if issueFor != "" {
		token, expiresAt, err := auth.IssueToken(cfg.JWT.SecretKey, issueFor, cfg.JWT.Expire())
		if err != nil {
			fmt.Fprintf(os.Stderr, "令牌签发失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\nexpires_at: %s\n", token, expiresAt.Format(time.RFC3339))
		return
	}
	if cfg.JWT.SecretKey == "" {
		stdLog.Printf("警告: 未配置 jwt.secret，业务接口将全部返回 401")
	}

	if len(cfg.Payment) == 0 {
		stdLog.Printf("警告: 未配置任何支付驱动，所有支付接口将返回 404")
	}
	drivers := make([]string, 0, len(cfg.Payment))
	for driver := range cfg.Payment {
		drivers = append(drivers, driver)
	}
	sort.Strings(drivers)
	for _, driver := range drivers {
		for profile := range cfg.Payment[driver] {
			logger.Infow("payment_profile_loaded", "driver", driver, "profile", profile)
		}
	}

	if err := app.Run(app.Options{
		Config:  cfg,
		Logger:  logger.S(),
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		Mode:    mode,
	}); err != nil {
		stdLog.Fatalf("服务运行失败: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

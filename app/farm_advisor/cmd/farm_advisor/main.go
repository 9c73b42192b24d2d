package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/go-kratos/kratos/v2"
	"github.com/joho/godotenv"

	"github.com/iWorld-y/farm_advisor/app/farm_advisor/internal/server"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/internal/service"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/config"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/engine"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/export"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/logger"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/storage"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name 服务名称
	Name = "farm_advisor"
	// Version 服务版本号
	Version string

	flagconf string
	flagonce bool

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "app/farm_advisor/configs/config.yaml", "config path, eg: -conf config.yaml")
	flag.BoolVar(&flagonce, "once", false, "run the default request once and print the report instead of serving the form")
}

func main() {
	flag.Parse()

	// 1. .env 中的密钥，文件不存在时忽略；其他错误等日志初始化后再报告
	envErr := loadDotEnv(".env")

	// 2. 加载配置
	cfg, err := config.LoadConfig(flagconf)
	if err != nil {
		log.Fatalf("无法加载配置文件: %v", err)
	}

	// 3. 初始化日志
	if err = logger.InitLogger(cfg.Log.Level, cfg.Log.File); err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	logger.Log.Info("启动农业咨询服务...")
	if envErr != nil {
		logger.Log.Warnf("读取 .env 失败，忽略其中的配置: %v", envErr)
	}
	if cfg.LLM.APIKey == "" {
		logger.Log.Warnf("未设置 %s，模型调用将会失败", config.EnvLLMAPIKey)
	}

	ctx := context.Background()

	// 4. 初始化流水线
	eng, err := engine.NewEngine(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("流水线初始化失败: %v", err)
	}

	if flagonce {
		report, err := eng.Run(ctx, model.DefaultRequest())
		if err != nil {
			logger.Log.Fatalf("咨询失败: %v", err)
		}
		fmt.Println(report)
		return
	}

	// 5. 报告归档，未配置数据库时跳过
	var archive service.Archive
	if cfg.DB.Host != "" {
		store, err := storage.NewStorage(cfg.DB)
		if err != nil {
			logger.Log.Errorf("无法连接数据库: %v. 报告将不会归档。", err)
		} else {
			defer store.Close()
			archive = store
			logger.Log.Info("已成功连接到数据库")
		}
	} else {
		logger.Log.Info("未配置数据库信息，跳过报告归档")
	}

	// 6. 表单服务
	klogger := logger.NewKratosLogger(logger.Log)
	svc := service.NewAdvisoryService(eng, export.NewExporter(cfg.Export.Dir), archive, klogger)
	hs := server.NewHTTPServer(&cfg.Server, cfg.Export.Dir, svc, klogger)

	app := kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Logger(klogger),
		kratos.Server(hs),
	)
	logger.Log.Infof("表单地址: http://%s", cfg.Server.HTTP.Addr)
	if err := app.Run(); err != nil {
		logger.Log.Fatalf("服务退出: %v", err)
	}
}

// loadDotEnv 加载 .env，文件不存在不算错误
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

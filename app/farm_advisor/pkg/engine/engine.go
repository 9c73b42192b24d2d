package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/config"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/logger"
	dm "github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/weather"
)

// Engine 核心处理引擎：天气 -> 三个分析阶段 -> 汇总报告
type Engine struct {
	stages   []Stage
	weather  weather.Fetcher
	limiter  *rate.Limiter
	parallel bool
}

// Option 引擎选项
type Option func(*Engine)

// WithLimiter 每次模型调用前等待限流令牌
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithParallel 前三个阶段并发执行
func WithParallel(parallel bool) Option {
	return func(e *Engine) { e.parallel = parallel }
}

// Analysis 一次运行的完整产物
type Analysis struct {
	Request dm.AdvisoryRequest
	Weather string
	Stages  []dm.StageResult // 前三个阶段，按阶段顺序
	Report  string
}

// New 用显式的阶段配置创建引擎，阶段数必须为 4
func New(stages []Stage, fetcher weather.Fetcher, opts ...Option) (*Engine, error) {
	if len(stages) != config.StageCount {
		return nil, fmt.Errorf("engine: expected %d stages, got %d", config.StageCount, len(stages))
	}
	for i, st := range stages {
		if st.ChatModel == nil {
			return nil, fmt.Errorf("engine: stage %d (%s) has no chat model", i+1, st.Name)
		}
	}
	if fetcher == nil {
		return nil, fmt.Errorf("engine: weather fetcher is required")
	}

	e := &Engine{
		stages:  append([]Stage(nil), stages...),
		weather: fetcher,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewEngine 根据配置创建引擎实例，每个阶段绑定自己的模型
func NewEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stages := make([]Stage, 0, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   sc.Model,
			Timeout: time.Duration(cfg.LLM.Timeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("LLM 初始化失败 (stage %d): %w", i+1, err)
		}
		stages = append(stages, Stage{
			Name: sc.Name,
			Persona: dm.StagePersona{
				Role:      sc.Role,
				Goal:      sc.Goal,
				Backstory: sc.Backstory,
			},
			ExpectedOutput: sc.ExpectedOutput,
			Temperature:    sc.Temperature,
			ChatModel:      chatModel,
		})
	}

	// Limit 设置为 RPM/60，Burst 设置为 QPS
	limit := rate.Limit(float64(cfg.Concurrency.RPM) / 60.0)
	limiter := rate.NewLimiter(limit, cfg.Concurrency.QPS)
	logger.Log.Infof("限流器已配置: Limit=%.2f req/s, Burst=%d", limit, cfg.Concurrency.QPS)

	fetcher := weather.NewClient(cfg.Weather.APIKey, cfg.Weather.GeoURL, cfg.Weather.BaseURL, cfg.Weather.Timeout)

	return New(stages, fetcher, WithLimiter(limiter), WithParallel(cfg.Pipeline.Parallel))
}

// FetchWeather 天气预览，失败时返回说明文字
func (e *Engine) FetchWeather(ctx context.Context, region string) string {
	return e.weather.Fetch(ctx, region)
}

// Run 执行一次咨询，返回最终报告文本
func (e *Engine) Run(ctx context.Context, req dm.AdvisoryRequest) (string, error) {
	a, err := e.Analyze(ctx, req)
	if err != nil {
		return "", err
	}
	return a.Report, nil
}

// Analyze 执行完整流水线。任一阶段失败都会终止运行，不产生部分报告
func (e *Engine) Analyze(ctx context.Context, req dm.AdvisoryRequest) (*Analysis, error) {
	log := logger.Log.WithField("run_id", uuid.NewString())
	log.Infof("开始咨询: crop=%q region=%q", req.Crop, req.Region)

	weatherInfo := e.weather.Fetch(ctx, req.Region)
	prompts := analysisPrompts(req, weatherInfo)

	var (
		results []dm.StageResult
		err     error
	)
	if e.parallel {
		results, err = e.runParallel(ctx, log, prompts)
	} else {
		results, err = e.runSequential(ctx, log, prompts)
	}
	if err != nil {
		log.Errorf("咨询失败: %v", err)
		return nil, err
	}

	report, err := e.runStage(ctx, 3, reportPrompt(results))
	if err != nil {
		log.Errorf("咨询失败: %v", err)
		return nil, err
	}
	log.Infof("阶段 [%s] 完成 (4/4)", report.Stage)

	return &Analysis{
		Request: req,
		Weather: weatherInfo,
		Stages:  results,
		Report:  report.Text,
	}, nil
}

func (e *Engine) runSequential(ctx context.Context, log *logrus.Entry, prompts [3]string) ([]dm.StageResult, error) {
	results := make([]dm.StageResult, 0, len(prompts))
	for i, p := range prompts {
		r, err := e.runStage(ctx, i, p)
		if err != nil {
			return nil, err
		}
		log.Infof("阶段 [%s] 完成 (%d/4)", r.Stage, i+1)
		results = append(results, r)
	}
	return results, nil
}

// runParallel 结果按阶段下标写入，拼接顺序与完成顺序无关
func (e *Engine) runParallel(ctx context.Context, log *logrus.Entry, prompts [3]string) ([]dm.StageResult, error) {
	results := make([]dm.StageResult, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range prompts {
		g.Go(func() error {
			r, err := e.runStage(gctx, i, p)
			if err != nil {
				return err
			}
			log.Infof("阶段 [%s] 完成", r.Stage)
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

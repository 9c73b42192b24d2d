package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 环境变量名，分别对应模型服务与天气服务的密钥
const (
	EnvLLMAPIKey     = "GROQ_API_KEY"
	EnvWeatherAPIKey = "OPENWEATHER_API_KEY"
)

// StageCount 流水线固定的阶段数
const StageCount = 4

// DefaultExportDir PDF 默认输出目录
const DefaultExportDir = "./reports"

// Config 项目配置结构体
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Weather     WeatherConfig     `yaml:"weather"`
	Stages      []StageConfig     `yaml:"stages"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Server      ServerConfig      `yaml:"server"`
	Export      ExportConfig      `yaml:"export"`
	Log         LogConfig         `yaml:"log"`
	DB          DBConfig          `yaml:"db"`
}

// LLMConfig LLM 相关配置（OpenAI 兼容协议）
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout int    `yaml:"timeout"` // 秒，0 表示不设置
}

// WeatherConfig OpenWeather 配置
type WeatherConfig struct {
	APIKey  string `yaml:"api_key"`
	GeoURL  string `yaml:"geo_url"`
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"`
}

// StageConfig 单个阶段的角色与模型绑定
type StageConfig struct {
	Name           string  `yaml:"name"`
	Role           string  `yaml:"role"`
	Goal           string  `yaml:"goal"`
	Backstory      string  `yaml:"backstory"`
	Model          string  `yaml:"model"`
	Temperature    float32 `yaml:"temperature"`
	ExpectedOutput string  `yaml:"expected_output"`
}

// PipelineConfig 流水线执行方式
type PipelineConfig struct {
	// Parallel 为 true 时前三个阶段并发执行，第四阶段仍在它们全部完成后执行
	Parallel bool `yaml:"parallel"`
}

// ConcurrencyConfig 并发控制配置
type ConcurrencyConfig struct {
	QPS int `yaml:"qps"`
	RPM int `yaml:"rpm"`
}

// ServerConfig 表单服务配置
type ServerConfig struct {
	HTTP HTTPConfig `yaml:"http"`
}

// HTTPConfig HTTP 监听配置
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	Timeout string `yaml:"timeout"`
}

// ExportConfig PDF 导出配置
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig 日志相关配置
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DBConfig 数据库相关配置，Host 为空时不启用报告归档
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DefaultStages 四个阶段的默认角色、模型与温度
func DefaultStages() []StageConfig {
	return []StageConfig{
		{
			Name:           "soil_climate",
			Role:           "Agro-Climate Specialist",
			Goal:           "Analyze soil and climate conditions with adaptation strategies",
			Backstory:      "Expert in soil science and climate-smart agriculture",
			Model:          "llama3-8b-8192",
			Temperature:    0.4,
			ExpectedOutput: "Detailed soil-climate analysis with weather considerations",
		},
		{
			Name:           "crop_health",
			Role:           "Crop Health Manager",
			Goal:           "Recommend fertilizers and pest/disease solutions",
			Backstory:      "Plant pathologist with organic farming expertise",
			Model:          "deepseek-r1-distill-llama-70b",
			Temperature:    0.4,
			ExpectedOutput: "Crop health management plan",
		},
		{
			Name:           "economics",
			Role:           "Agricultural Economist",
			Goal:           "Evaluate costs, viability and regional benefits",
			Backstory:      "Agricultural financial analyst with market knowledge",
			Model:          "llama3-8b-8192",
			Temperature:    0.3,
			ExpectedOutput: "Economic viability report",
		},
		{
			Name:           "report",
			Role:           "Farm Advisory Writer",
			Goal:           "Compile actionable farmer recommendations",
			Backstory:      "Agricultural extension officer with technical writing skills",
			Model:          "gemma2-9b-it",
			Temperature:    0.6,
			ExpectedOutput: "Final advisory document in markdown format",
		},
	}
}

// LoadConfig 从指定路径加载配置，并用环境变量覆盖密钥
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv 环境变量中的密钥优先于配置文件
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLLMAPIKey)); v != "" {
		c.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWeatherAPIKey)); v != "" {
		c.Weather.APIKey = v
	}
}

// ApplyDefaults 填充未配置的字段
func (c *Config) ApplyDefaults() {
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Weather.GeoURL == "" {
		c.Weather.GeoURL = "http://api.openweathermap.org/geo/1.0"
	}
	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://api.openweathermap.org/data/2.5"
	}
	if len(c.Stages) == 0 {
		c.Stages = DefaultStages()
	} else {
		defaults := DefaultStages()
		for i := range c.Stages {
			if i >= len(defaults) {
				break
			}
			c.Stages[i].fillFrom(defaults[i])
		}
	}
	if c.Concurrency.QPS <= 0 {
		c.Concurrency.QPS = 1
	}
	if c.Concurrency.RPM <= 0 {
		c.Concurrency.RPM = 30
	}
	if c.Server.HTTP.Addr == "" {
		c.Server.HTTP.Addr = "0.0.0.0:7860"
	}
	// 四次模型调用串行，kratos 默认的 1s 超时远远不够
	if c.Server.HTTP.Timeout == "" {
		c.Server.HTTP.Timeout = "300s"
	}
	// 下载路由直接读这个目录，不能与工作目录（.env 所在）重合
	if c.Export.Dir == "" {
		c.Export.Dir = DefaultExportDir
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (s *StageConfig) fillFrom(d StageConfig) {
	if s.Name == "" {
		s.Name = d.Name
	}
	if s.Role == "" {
		s.Role = d.Role
	}
	if s.Goal == "" {
		s.Goal = d.Goal
	}
	if s.Backstory == "" {
		s.Backstory = d.Backstory
	}
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.ExpectedOutput == "" {
		s.ExpectedOutput = d.ExpectedOutput
	}
	// 温度为 0 是合法值，这里不覆盖
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.Stages) != StageCount {
		return fmt.Errorf("config: expected %d stages, got %d", StageCount, len(c.Stages))
	}
	for i, s := range c.Stages {
		if s.Model == "" {
			return fmt.Errorf("config: stage %d (%s) has no model", i+1, s.Name)
		}
	}
	return nil
}

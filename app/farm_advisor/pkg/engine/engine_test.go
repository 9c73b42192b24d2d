package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/config"
	dm "github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
)

// 并发模式下的阶段 goroutine 必须全部退出
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const axumWeather = "Current Temperature: 22°C\nConditions: clear sky\nHumidity: 40%\nWind Speed: 3 m/s\nPressure: 1012 hPa"

// call 记录一次模型调用
type call struct {
	stage       string
	system      string
	prompt      string
	temperature float32
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.stage)
	}
	return out
}

func (r *recorder) find(stage string) (call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.stage == stage {
			return c, true
		}
	}
	return call{}, false
}

// stubChatModel 模拟模型，按阶段返回固定文本
type stubChatModel struct {
	stage string
	rec   *recorder
	reply func(prompt string) (string, error)
	delay time.Duration
}

func (m *stubChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	o := model.GetCommonOptions(&model.Options{}, opts...)
	var temp float32
	if o.Temperature != nil {
		temp = *o.Temperature
	}
	m.rec.add(call{stage: m.stage, system: input[0].Content, prompt: input[1].Content, temperature: temp})

	text, err := m.reply(input[1].Content)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(text, nil), nil
}

func (m *stubChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

type stubWeather struct {
	text    string
	regions []string
}

func (w *stubWeather) Fetch(_ context.Context, region string) string {
	w.regions = append(w.regions, region)
	return w.text
}

func fixed(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func newStages(rec *recorder, replies [4]func(string) (string, error)) []Stage {
	names := []string{"soil_climate", "crop_health", "economics", "report"}
	defaults := config.DefaultStages()
	stages := make([]Stage, 0, 4)
	for i, name := range names {
		stages = append(stages, Stage{
			Name: name,
			Persona: dm.StagePersona{
				Role:      defaults[i].Role,
				Goal:      defaults[i].Goal,
				Backstory: defaults[i].Backstory,
			},
			ExpectedOutput: defaults[i].ExpectedOutput,
			Temperature:    defaults[i].Temperature,
			ChatModel:      &stubChatModel{stage: name, rec: rec, reply: replies[i]},
		})
	}
	return stages
}

// echoReport 第四阶段的模拟：把收到的提示词包进结果里，便于断言
func echoReport(prompt string) (string, error) {
	return "REPORT<" + prompt + ">", nil
}

func TestRun_EndToEndScenario(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		rec := &recorder{}
		ws := &stubWeather{text: axumWeather}
		eng, err := New(newStages(rec, [4]func(string) (string, error){
			fixed("STAGE1"), fixed("STAGE2"), fixed("STAGE3"), echoReport,
		}), ws, WithParallel(parallel))
		require.NoError(t, err)

		got, err := eng.Run(context.Background(), dm.AdvisoryRequest{
			Crop:     "Maize",
			Region:   "Axum",
			SoilData: "pH: 6.2, Nitrogen: medium",
			FarmSize: "400 acres",
		})
		require.NoError(t, err)

		final, ok := rec.find("report")
		require.True(t, ok)
		assert.Equal(t, "REPORT<"+final.prompt+">", got)

		i1 := strings.Index(final.prompt, "STAGE1")
		i2 := strings.Index(final.prompt, "STAGE2")
		i3 := strings.Index(final.prompt, "STAGE3")
		require.True(t, i1 >= 0 && i2 >= 0 && i3 >= 0, final.prompt)
		assert.True(t, i1 < i2 && i2 < i3, "stage outputs out of order: %q", final.prompt)
		assert.Contains(t, final.prompt, "STAGE1"+contextDivider+"STAGE2"+contextDivider+"STAGE3")

		stages := rec.stages()
		require.Len(t, stages, 4)
		assert.Equal(t, "report", stages[3], "report stage must run last")
		assert.Equal(t, []string{"Axum"}, ws.regions)

		soil, _ := rec.find("soil_climate")
		assert.Contains(t, soil.prompt, "Analyze for Maize in Axum:")
		assert.Contains(t, soil.prompt, "Soil requirements based on: pH: 6.2, Nitrogen: medium")
		assert.Contains(t, soil.prompt, "Current weather patterns: "+axumWeather)

		econ, _ := rec.find("economics")
		assert.Contains(t, econ.prompt, "400 acres")
	}
}

func TestRun_SequentialOrder(t *testing.T) {
	rec := &recorder{}
	eng, err := New(newStages(rec, [4]func(string) (string, error){
		fixed("a"), fixed("b"), fixed("c"), fixed("final"),
	}), &stubWeather{text: "w"})
	require.NoError(t, err)

	got, err := eng.Run(context.Background(), dm.DefaultRequest())
	require.NoError(t, err)
	assert.Equal(t, "final", got)
	assert.Equal(t, []string{"soil_climate", "crop_health", "economics", "report"}, rec.stages())
}

func TestRun_ParallelKeepsStageOrder(t *testing.T) {
	rec := &recorder{}
	stages := newStages(rec, [4]func(string) (string, error){
		fixed("FIRST"), fixed("SECOND"), fixed("THIRD"), echoReport,
	})
	// 第一个阶段最慢，拼接顺序仍然是 1、2、3
	stages[0].ChatModel.(*stubChatModel).delay = 50 * time.Millisecond

	eng, err := New(stages, &stubWeather{text: "w"}, WithParallel(true))
	require.NoError(t, err)

	a, err := eng.Analyze(context.Background(), dm.DefaultRequest())
	require.NoError(t, err)
	require.Len(t, a.Stages, 3)
	assert.Equal(t, "FIRST", a.Stages[0].Text)
	assert.Equal(t, "THIRD", a.Stages[2].Text)
	assert.Contains(t, a.Report, "FIRST"+contextDivider+"SECOND"+contextDivider+"THIRD")
	assert.Equal(t, "report", rec.stages()[3])
}

func TestRun_StageFailureAborts(t *testing.T) {
	quota := errors.New("429 quota exceeded")

	for _, parallel := range []bool{false, true} {
		rec := &recorder{}
		eng, err := New(newStages(rec, [4]func(string) (string, error){
			fixed("a"),
			func(string) (string, error) { return "", quota },
			fixed("c"),
			fixed("final"),
		}), &stubWeather{text: "w"}, WithParallel(parallel))
		require.NoError(t, err)

		got, err := eng.Run(context.Background(), dm.DefaultRequest())
		require.Error(t, err)
		assert.Empty(t, got)
		assert.ErrorIs(t, err, quota)

		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 2, se.Index)
		assert.Equal(t, "crop_health", se.Stage)

		_, reported := rec.find("report")
		assert.False(t, reported, "report stage must not run after a failure")
		if !parallel {
			_, ran := rec.find("economics")
			assert.False(t, ran, "sequential run stops at the first failure")
		}
	}
}

func TestRun_ReportFailurePropagates(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("timeout")
	eng, err := New(newStages(rec, [4]func(string) (string, error){
		fixed("a"), fixed("b"), fixed("c"),
		func(string) (string, error) { return "", boom },
	}), &stubWeather{text: "w"})
	require.NoError(t, err)

	a, err := eng.Analyze(context.Background(), dm.DefaultRequest())
	assert.Nil(t, a)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 4, se.Index)
}

func TestRun_PersonaAndTemperature(t *testing.T) {
	rec := &recorder{}
	eng, err := New(newStages(rec, [4]func(string) (string, error){
		fixed("a"), fixed("b"), fixed("c"), fixed("d"),
	}), &stubWeather{text: "w"})
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), dm.DefaultRequest())
	require.NoError(t, err)

	econ, ok := rec.find("economics")
	require.True(t, ok)
	assert.Equal(t, "You are Agricultural Economist. Agricultural financial analyst with market knowledge\nYour personal goal is: Evaluate costs, viability and regional benefits", econ.system)
	assert.InDelta(t, 0.3, econ.temperature, 1e-6)
	assert.Contains(t, econ.prompt, "Economic viability report")

	report, _ := rec.find("report")
	assert.InDelta(t, 0.6, report.temperature, 1e-6)
}

func TestRun_EmptyInputsPassedThrough(t *testing.T) {
	rec := &recorder{}
	eng, err := New(newStages(rec, [4]func(string) (string, error){
		fixed(""), fixed(""), fixed(""), fixed(""),
	}), &stubWeather{text: "Location not found"})
	require.NoError(t, err)

	got, err := eng.Run(context.Background(), dm.AdvisoryRequest{})
	require.NoError(t, err)
	assert.Equal(t, "", got)

	soil, _ := rec.find("soil_climate")
	assert.Contains(t, soil.prompt, "Analyze for  in :")
	assert.Contains(t, soil.prompt, "Current weather patterns: Location not found")
}

func TestRun_LimiterErrorStopsBeforeModel(t *testing.T) {
	rec := &recorder{}
	eng, err := New(newStages(rec, [4]func(string) (string, error){
		fixed("a"), fixed("b"), fixed("c"), fixed("d"),
	}), &stubWeather{text: "w"}, WithLimiter(rate.NewLimiter(1, 0)))
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), dm.DefaultRequest())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Index)
	assert.Empty(t, rec.stages())
}

func TestNew_Validation(t *testing.T) {
	rec := &recorder{}
	stages := newStages(rec, [4]func(string) (string, error){fixed("a"), fixed("b"), fixed("c"), fixed("d")})

	_, err := New(stages[:3], &stubWeather{})
	assert.Error(t, err)

	_, err = New(stages, nil)
	assert.Error(t, err)

	broken := append([]Stage(nil), stages...)
	broken[2].ChatModel = nil
	_, err = New(broken, &stubWeather{})
	assert.Error(t, err)
}

func TestNewEngine_FromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.LLM.APIKey = "test"
	cfg.ApplyDefaults()

	eng, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, eng.stages, 4)
	assert.Equal(t, "Farm Advisory Writer", eng.stages[3].Persona.Role)
	assert.NotNil(t, eng.limiter)

	// 未配置天气密钥时直接返回固定文本，不发请求
	assert.Equal(t, "Weather API key not configured", eng.FetchWeather(context.Background(), "Axum"))
}

package engine

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	dm "github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
)

// Stage 一个咨询阶段：固定角色 + 独立的模型绑定
type Stage struct {
	Name           string
	Persona        dm.StagePersona
	ExpectedOutput string
	Temperature    float32
	ChatModel      model.BaseChatModel
}

// StageError 阶段调用失败，整个流水线随之终止
type StageError struct {
	Index int // 从 1 开始
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// runStage 调用一次模型，返回的文本不做任何校验
func (e *Engine) runStage(ctx context.Context, idx int, prompt string) (dm.StageResult, error) {
	st := e.stages[idx]
	fail := func(err error) (dm.StageResult, error) {
		return dm.StageResult{}, &StageError{Index: idx + 1, Stage: st.Name, Err: err}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fail(fmt.Errorf("limiter wait error: %w", err))
		}
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt(st.Persona)),
		schema.UserMessage(withExpectedOutput(prompt, st.ExpectedOutput)),
	}

	resp, err := st.ChatModel.Generate(ctx, messages, model.WithTemperature(st.Temperature))
	if err != nil {
		return fail(err)
	}
	if resp == nil {
		return fail(fmt.Errorf("empty response"))
	}

	return dm.StageResult{Stage: st.Name, Text: resp.Content}, nil
}

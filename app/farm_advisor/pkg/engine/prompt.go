package engine

import (
	"fmt"
	"strings"

	dm "github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
)

// contextDivider 第四阶段上下文中各阶段输出之间的分隔线
const contextDivider = "\n\n----------\n\n"

const soilClimateTpl = `Analyze for %s in %s:
1. Soil requirements based on: %s
2. Current weather patterns: %s
3. Climate adaptation strategies`

const cropHealthTpl = `Recommend for %s:
1. Fertilizer requirements
2. Common pests and organic controls
3. Potential diseases`

const economicsTpl = `Analyze for %s in %s (farm size: %s):
1. Cost-benefit of recommendations
2. Market potential
3. Government support programs`

const reportTpl = `Create farmer-friendly guide by compiling:

This is the context you're working with:
%s`

// systemPrompt 把角色三元组转换成系统消息
func systemPrompt(p dm.StagePersona) string {
	return fmt.Sprintf("You are %s. %s\nYour personal goal is: %s", p.Role, p.Backstory, p.Goal)
}

// withExpectedOutput 在任务描述后附上期望的输出形式
func withExpectedOutput(prompt, expected string) string {
	if expected == "" {
		return prompt
	}
	return prompt + "\n\nThis is the expected criteria for your final answer: " + expected
}

// analysisPrompts 前三个阶段的提示词，彼此独立
func analysisPrompts(req dm.AdvisoryRequest, weatherInfo string) [3]string {
	return [3]string{
		fmt.Sprintf(soilClimateTpl, req.Crop, req.Region, req.SoilData, weatherInfo),
		fmt.Sprintf(cropHealthTpl, req.Crop),
		fmt.Sprintf(economicsTpl, req.Crop, req.Region, req.FarmSize),
	}
}

// reportPrompt 第四阶段的提示词，只依赖前三个阶段按顺序拼接的输出
func reportPrompt(results []dm.StageResult) string {
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Text)
	}
	return fmt.Sprintf(reportTpl, strings.Join(texts, contextDivider))
}

package model

import "time"

// AdvisoryRequest 一次咨询的输入，全部按原样传给模型，不做校验
type AdvisoryRequest struct {
	Crop     string `json:"crop"`
	Region   string `json:"region"`
	SoilData string `json:"soil_data"`
	FarmSize string `json:"farm_size"`
}

// DefaultRequest 表单的示例默认值
func DefaultRequest() AdvisoryRequest {
	return AdvisoryRequest{
		Crop:     "Maize",
		Region:   "Axum",
		SoilData: "pH: 6.2, Nitrogen: medium",
		FarmSize: "400 acres",
	}
}

// StagePersona 阶段角色
type StagePersona struct {
	Role      string
	Goal      string
	Backstory string
}

// StageResult 单个阶段的原始输出
type StageResult struct {
	Stage string
	Text  string
}

// ArchivedReport 归档的报告记录
type ArchivedReport struct {
	ID        int64     `json:"id"`
	Crop      string    `json:"crop"`
	Region    string    `json:"region"`
	SoilData  string    `json:"soil_data"`
	FarmSize  string    `json:"farm_size"`
	Weather   string    `json:"weather"`
	Report    string    `json:"report"`
	CreatedAt time.Time `json:"created_at"`
}

package service

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/engine"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
)

// Advisor 咨询流水线
type Advisor interface {
	FetchWeather(ctx context.Context, region string) string
	Analyze(ctx context.Context, req model.AdvisoryRequest) (*engine.Analysis, error)
}

// Exporter 报告导出
type Exporter interface {
	Export(text string) (string, error)
}

// Archive 报告归档，可以为空
type Archive interface {
	SaveReport(ctx context.Context, report *model.ArchivedReport, stages []model.StageResult) (int64, error)
	ListReports(ctx context.Context, limit int) ([]model.ArchivedReport, error)
}

// AdvisoryService 表单各个按钮背后的动作
type AdvisoryService struct {
	advisor  Advisor
	exporter Exporter
	archive  Archive
	log      *log.Helper
}

func NewAdvisoryService(advisor Advisor, exporter Exporter, archive Archive, logger log.Logger) *AdvisoryService {
	return &AdvisoryService{
		advisor:  advisor,
		exporter: exporter,
		archive:  archive,
		log:      log.NewHelper(logger),
	}
}

// Defaults 表单初始值
func (s *AdvisoryService) Defaults() model.AdvisoryRequest {
	return model.DefaultRequest()
}

// Clear 四个输入全部清空
func (s *AdvisoryService) Clear() model.AdvisoryRequest {
	return model.AdvisoryRequest{}
}

// Weather 天气预览，总是返回文本
func (s *AdvisoryService) Weather(ctx context.Context, region string) string {
	return s.advisor.FetchWeather(ctx, region)
}

// Analyze 运行流水线；归档失败只记录日志，不影响返回的报告
func (s *AdvisoryService) Analyze(ctx context.Context, req model.AdvisoryRequest) (string, error) {
	a, err := s.advisor.Analyze(ctx, req)
	if err != nil {
		return "", err
	}

	if s.archive != nil {
		id, err := s.archive.SaveReport(ctx, &model.ArchivedReport{
			Crop:     req.Crop,
			Region:   req.Region,
			SoilData: req.SoilData,
			FarmSize: req.FarmSize,
			Weather:  a.Weather,
			Report:   a.Report,
		}, a.Stages)
		if err != nil {
			s.log.WithContext(ctx).Errorf("保存报告失败: %v", err)
		} else {
			s.log.WithContext(ctx).Infof("报告已归档 id=%d", id)
		}
	}
	return a.Report, nil
}

// Export 导出 PDF，返回文件路径
func (s *AdvisoryService) Export(text string) (string, error) {
	return s.exporter.Export(text)
}

// Reports 最近归档的报告，未配置数据库时为空
func (s *AdvisoryService) Reports(ctx context.Context, limit int) ([]model.ArchivedReport, error) {
	if s.archive == nil {
		return []model.ArchivedReport{}, nil
	}
	return s.archive.ListReports(ctx, limit)
}

package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/config"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
)

// Storage 报告归档，只记录已完成的报告，不参与后续运行
type Storage struct {
	db *sql.DB
}

func NewStorage(cfg config.DBConfig) (*Storage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := newWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newWithDB(db *sql.DB) (*Storage, error) {
	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS advisory_reports (
			id SERIAL PRIMARY KEY,
			crop TEXT,
			region TEXT,
			soil_data TEXT,
			farm_size TEXT,
			weather TEXT,
			report TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS stage_outputs (
			id SERIAL PRIMARY KEY,
			report_id INTEGER REFERENCES advisory_reports(id),
			stage_index INTEGER,
			stage_name TEXT,
			content TEXT
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

// SaveReport 保存一次咨询的报告及前三个阶段的输出
func (s *Storage) SaveReport(ctx context.Context, report *model.ArchivedReport, stages []model.StageResult) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var reportID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO advisory_reports (crop, region, soil_data, farm_size, weather, report)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		report.Crop, report.Region, report.SoilData, report.FarmSize, report.Weather, report.Report).Scan(&reportID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert advisory report: %w", err)
	}

	for i, st := range stages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_outputs (report_id, stage_index, stage_name, content)
			VALUES ($1, $2, $3, $4)`,
			reportID, i+1, st.Stage, st.Text)
		if err != nil {
			return 0, fmt.Errorf("failed to insert stage output: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return reportID, nil
}

// ListReports 按时间倒序列出最近的报告
func (s *Storage) ListReports(ctx context.Context, limit int) ([]model.ArchivedReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, crop, region, soil_data, farm_size, weather, report, created_at
		FROM advisory_reports
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query advisory reports: %w", err)
	}
	defer rows.Close()

	reports := make([]model.ArchivedReport, 0, limit)
	for rows.Next() {
		var r model.ArchivedReport
		if err := rows.Scan(&r.ID, &r.Crop, &r.Region, &r.SoilData, &r.FarmSize, &r.Weather, &r.Report, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan advisory report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

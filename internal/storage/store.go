package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"match-radar/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound 记录不存在，与 database/sql 的约定保持一致。
	ErrNotFound = sql.ErrNoRows
	// ErrJobTerminal 任务已处于终态，拒绝修改。
	ErrJobTerminal = errors.New("job already terminal")
)

// Store 封装 SQLite 数据库访问，负责任务、事件、比赛、半场比分与订阅者的读写。
type Store struct {
	db *gorm.DB
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql DB: %w", err)
	}
	// sqlite 单写者，多个 worker 共用一个连接串行化写入
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.Match{}, &model.HalfScore{}, &model.MatchEvent{}, &model.AnalysisJob{}, &model.Watcher{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// CreateJob 写入新任务。
func (s *Store) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// SaveJob 覆盖任务的可变字段。库中记录已是终态时返回 ErrJobTerminal。
func (s *Store) SaveJob(ctx context.Context, job model.AnalysisJob) error {
	values := map[string]any{
		"status":        job.Status,
		"progress":      job.Progress,
		"current_step":  job.CurrentStep,
		"steps":         job.Steps,
		"analysis_type": job.AnalysisType,
		"completed_at":  job.CompletedAt,
		"result":        job.Result,
		"error_message": job.ErrorMessage,
		"updated_at":    time.Now().UTC(),
	}
	tx := s.db.WithContext(ctx).Model(&model.AnalysisJob{}).
		Where("id = ? AND status NOT IN ?", job.ID, model.TerminalStatuses()).
		Updates(values)
	if tx.Error != nil {
		return fmt.Errorf("save job %s: %w", job.ID, tx.Error)
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.AnalysisJob{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("check job %s: %w", job.ID, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrJobTerminal
}

// GetJob 根据 ID 获取任务。
func (s *Store) GetJob(ctx context.Context, id string) (model.AnalysisJob, error) {
	var job model.AnalysisJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return job, ErrNotFound
		}
		return job, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs 返回某场比赛的任务，按开始时间倒序。
func (s *Store) ListJobs(ctx context.Context, matchID string) ([]model.AnalysisJob, error) {
	var jobs []model.AnalysisJob
	if err := s.db.WithContext(ctx).Where("match_id = ?", matchID).Order("started_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListActiveJobs 返回所有非终态任务；updatedBefore 非零时只返回此前未更新的任务。
func (s *Store) ListActiveJobs(ctx context.Context, updatedBefore time.Time) ([]model.AnalysisJob, error) {
	var jobs []model.AnalysisJob
	query := s.db.WithContext(ctx).Where("status NOT IN ?", model.TerminalStatuses())
	if !updatedBefore.IsZero() {
		query = query.Where("updated_at < ?", updatedBefore.UTC())
	}
	if err := query.Order("started_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// EnsureMatch 比赛不存在时按给定信息创建，已存在时补全缺失的队名。
func (s *Store) EnsureMatch(ctx context.Context, match model.Match) (model.Match, error) {
	var stored model.Match
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&stored, "id = ?", match.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if match.Status == "" {
				match.Status = model.MatchStatusScheduled
			}
			stored = match
			return tx.Create(&stored).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{}
		if stored.HomeTeamName == "" && match.HomeTeamName != "" {
			updates["home_team_name"] = match.HomeTeamName
			stored.HomeTeamName = match.HomeTeamName
		}
		if stored.AwayTeamName == "" && match.AwayTeamName != "" {
			updates["away_team_name"] = match.AwayTeamName
			stored.AwayTeamName = match.AwayTeamName
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&model.Match{}).Where("id = ?", match.ID).Updates(updates).Error
	})
	if err != nil {
		return model.Match{}, fmt.Errorf("ensure match %s: %w", match.ID, err)
	}
	return stored, nil
}

// GetMatch 获取比赛。
func (s *Store) GetMatch(ctx context.Context, id string) (model.Match, error) {
	var match model.Match
	if err := s.db.WithContext(ctx).First(&match, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return match, ErrNotFound
		}
		return match, fmt.Errorf("get match: %w", err)
	}
	return match, nil
}

// SetMatchStatus 更新比赛状态。
func (s *Store) SetMatchStatus(ctx context.Context, id, status string) error {
	tx := s.db.WithContext(ctx).Model(&model.Match{}).Where("id = ?", id).Update("status", status)
	if tx.Error != nil {
		return fmt.Errorf("set match status: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyHalfScore 在一个事务内写入半场比分并把比赛总分更新为各半场之和。
// 分析下半场时若没有上半场记录，用比赛当前存储的比分补一条上半场记录，
// 因此上半场覆盖、下半场累加，重跑任一半场都不会重复计分。
func (s *Store) ApplyHalfScore(ctx context.Context, matchID string, half model.MatchHalf, score model.Score, jobID string) (model.Match, error) {
	if !half.Valid() {
		return model.Match{}, fmt.Errorf("apply half score: invalid half %q", half)
	}
	var match model.Match
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&match, "id = ?", matchID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := time.Now().UTC()
		if half == model.HalfSecond {
			var firstRows int64
			if err := tx.Model(&model.HalfScore{}).Where("match_id = ? AND half = ?", matchID, model.HalfFirst).Count(&firstRows).Error; err != nil {
				return err
			}
			if firstRows == 0 {
				seed := model.HalfScore{MatchID: matchID, Half: model.HalfFirst, Home: match.HomeScore, Away: match.AwayScore, UpdatedAt: now}
				if err := tx.Create(&seed).Error; err != nil {
					return err
				}
			}
		}

		row := model.HalfScore{MatchID: matchID, Half: half, Home: score.Home, Away: score.Away, JobID: jobID, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "match_id"}, {Name: "half"}},
			DoUpdates: clause.AssignmentColumns([]string{"home", "away", "job_id", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}

		var rows []model.HalfScore
		if err := tx.Where("match_id = ?", matchID).Find(&rows).Error; err != nil {
			return err
		}
		var total model.Score
		for _, r := range rows {
			total = total.Add(model.Score{Home: r.Home, Away: r.Away})
		}
		if err := tx.Model(&model.Match{}).Where("id = ?", matchID).Updates(map[string]any{
			"home_score": total.Home,
			"away_score": total.Away,
		}).Error; err != nil {
			return err
		}
		match.HomeScore, match.AwayScore = total.Home, total.Away
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Match{}, err
		}
		return model.Match{}, fmt.Errorf("apply half score: %w", err)
	}
	return match, nil
}

// ListHalfScores 返回某场比赛的半场比分。
func (s *Store) ListHalfScores(ctx context.Context, matchID string) ([]model.HalfScore, error) {
	var rows []model.HalfScore
	if err := s.db.WithContext(ctx).Where("match_id = ?", matchID).Order("half ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list half scores: %w", err)
	}
	return rows, nil
}

// ReplaceHalfEvents 在一个事务内删除该半场已有事件并写入新事件。
func (s *Store) ReplaceHalfEvents(ctx context.Context, matchID string, half model.MatchHalf, evs []model.MatchEvent) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("match_id = ? AND match_half = ?", matchID, half).Delete(&model.MatchEvent{}).Error; err != nil {
			return err
		}
		if len(evs) == 0 {
			return nil
		}
		return tx.CreateInBatches(&evs, 100).Error
	})
	if err != nil {
		return fmt.Errorf("replace %s half events: %w", half, err)
	}
	return nil
}

// ListEvents 返回比赛事件，按半场与时间排序；half 为空时返回全部。
func (s *Store) ListEvents(ctx context.Context, matchID string, half model.MatchHalf) ([]model.MatchEvent, error) {
	var evs []model.MatchEvent
	query := s.db.WithContext(ctx).Where("match_id = ?", matchID)
	if half != "" {
		query = query.Where("match_half = ?", half)
	}
	if err := query.Order("match_half ASC, minute ASC, second ASC, created_at ASC").Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evs, nil
}

// AddWatcher 新增订阅者，同一比赛同一邮箱只保留一条。
func (s *Store) AddWatcher(ctx context.Context, w *model.Watcher) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(w).Error; err != nil {
		return fmt.Errorf("add watcher: %w", err)
	}
	return nil
}

// ListWatchers 返回比赛的订阅者。
func (s *Store) ListWatchers(ctx context.Context, matchID string) ([]model.Watcher, error) {
	var watchers []model.Watcher
	if err := s.db.WithContext(ctx).Where("match_id = ?", matchID).Order("created_at ASC").Find(&watchers).Error; err != nil {
		return nil, fmt.Errorf("list watchers: %w", err)
	}
	return watchers, nil
}

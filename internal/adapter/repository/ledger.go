package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Ledger 实现了 port.Ledger 接口
type Ledger struct {
	db      *gorm.DB
	nowFunc func() time.Time
}

var _ port.Ledger = (*Ledger)(nil)

// upsert 时更新的列；迁移标记和 discovered_at 永远不覆盖
var upsertColumns = []string{
	"owner", "name", "description", "html_url", "clone_url", "language",
	"stars", "forks", "open_issues", "default_branch",
	"has_readme", "issue_count", "pr_count", "code_file_count",
	"has_enough_issues", "has_enough_prs", "has_enough_code", "training_ready",
	"rejection_reason", "keyword_source", "last_synced",
}

// isPostgresDSN 判断 DSN 是否指向 Postgres
func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Open 根据 DSN 选择驱动：Postgres URL/关键字串走 postgres，其余当作 SQLite 文件路径
func Open(dsn string, verbose bool) (*Ledger, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if verbose {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	if isPostgresDSN(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, common.WrapError(common.ErrCodeDatabase, "创建数据目录失败", err)
			}
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeDatabase, "连接数据库失败", err)
	}
	return NewLedger(db)
}

// NewLedger 包装已有连接并自动迁移表结构
func NewLedger(db *gorm.DB) (*Ledger, error) {
	if db.Dialector.Name() == "sqlite" {
		// 单写者
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	err := db.AutoMigrate(&domain.LedgerRow{}, &domain.ExtractedRecord{}, &domain.ExtractionProgress{}, &domain.RejectedRepo{})
	if err != nil {
		return nil, common.WrapError(common.ErrCodeDatabase, "数据库迁移失败", err)
	}
	return &Ledger{db: db, nowFunc: time.Now}, nil
}

// Close 关闭底层连接
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return common.WrapError(common.ErrCodeDatabase, op, err)
}

// UpsertRepository 插入或更新仓库行，不会重置迁移标记
func (l *Ledger) UpsertRepository(ctx context.Context, row *domain.LedgerRow) error {
	now := l.nowFunc()
	if row.DiscoveredAt.IsZero() {
		row.DiscoveredAt = now
	}
	row.LastSynced = now
	row.TrainingReady = row.IsTrainingReady()

	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "full_name"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(row).Error
	return dbErr("保存仓库 "+row.FullName, err)
}

// GetRepository 读取仓库行，不存在时返回 nil
func (l *Ledger) GetRepository(ctx context.Context, fullName string) (*domain.LedgerRow, error) {
	var row domain.LedgerRow
	err := l.db.WithContext(ctx).Where("full_name = ?", fullName).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("读取仓库 "+fullName, err)
	}
	return &row, nil
}

// SaveExtracted 追加一条抽取记录
func (l *Ledger) SaveExtracted(ctx context.Context, rec *domain.ExtractedRecord) error {
	if rec.ID != 0 {
		return common.NewError(common.ErrCodeInvalidInput, "抽取记录只能追加")
	}
	return dbErr("保存抽取数据 "+rec.RepoName, l.db.WithContext(ctx).Create(rec).Error)
}

// ExtractedTitles 某类已落库记录的标题集合，续抽时据此跳过
func (l *Ledger) ExtractedTitles(ctx context.Context, repoName string, kind domain.DataKind) (map[string]bool, error) {
	var titles []string
	err := l.db.WithContext(ctx).Model(&domain.ExtractedRecord{}).
		Where("repo_name = ? AND data_type = ?", repoName, kind).
		Pluck("title", &titles).Error
	if err != nil {
		return nil, dbErr("查询抽取数据", err)
	}
	seen := make(map[string]bool, len(titles))
	for _, t := range titles {
		seen[t] = true
	}
	return seen, nil
}

// MarkExtractionComplete 某类数据抽取完整结束
func (l *Ledger) MarkExtractionComplete(ctx context.Context, repoName string, kind domain.DataKind) error {
	rec := &domain.ExtractionProgress{RepoName: repoName, DataType: kind, CompletedAt: l.nowFunc()}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
	return dbErr("标记抽取完成 "+repoName, err)
}

// ExtractionComplete 某类数据是否已完整抽取
func (l *Ledger) ExtractionComplete(ctx context.Context, repoName string, kind domain.DataKind) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&domain.ExtractionProgress{}).
		Where("repo_name = ? AND data_type = ?", repoName, kind).
		Count(&count).Error
	return count > 0, dbErr("查询抽取进度", err)
}

// SaveRejected 记录被拒绝的仓库
func (l *Ledger) SaveRejected(ctx context.Context, fullName, reason string) error {
	rec := &domain.RejectedRepo{FullName: fullName, Reason: reason, CheckedAt: l.nowFunc()}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "full_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "checked_at"}),
	}).Create(rec).Error
	return dbErr("记录拒绝 "+fullName, err)
}

// ForgetRejection 显式重新检查前清除拒绝记录
func (l *Ledger) ForgetRejection(ctx context.Context, fullName string) error {
	err := l.db.WithContext(ctx).Where("full_name = ?", fullName).Delete(&domain.RejectedRepo{}).Error
	return dbErr("清除拒绝记录 "+fullName, err)
}

// IsAlreadyChecked 已接受或已拒绝
func (l *Ledger) IsAlreadyChecked(ctx context.Context, fullName string) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&domain.LedgerRow{}).Where("full_name = ?", fullName).Count(&count).Error; err != nil {
		return false, dbErr("查询仓库", err)
	}
	if count > 0 {
		return true, nil
	}
	if err := l.db.WithContext(ctx).Model(&domain.RejectedRepo{}).Where("full_name = ?", fullName).Count(&count).Error; err != nil {
		return false, dbErr("查询拒绝记录", err)
	}
	return count > 0, nil
}

// MarkMigrated 标记迁移完成 (单调，只会 false -> true)
func (l *Ledger) MarkMigrated(ctx context.Context, fullName string) error {
	err := l.db.WithContext(ctx).Model(&domain.LedgerRow{}).
		Where("full_name = ?", fullName).
		Updates(map[string]any{"migrated": true, "last_synced": l.nowFunc()}).Error
	return dbErr("标记迁移 "+fullName, err)
}

// MarkIssuesMigrated issue 回放完成，之后不再重复回放
func (l *Ledger) MarkIssuesMigrated(ctx context.Context, fullName string) error {
	return l.setFlag(ctx, fullName, "issues_migrated")
}

// IssuesMigrated 是否已回放过 issue
func (l *Ledger) IssuesMigrated(ctx context.Context, fullName string) (bool, error) {
	return l.flag(ctx, fullName, "issues_migrated")
}

// MarkPullsMigrated PR 回放完成
func (l *Ledger) MarkPullsMigrated(ctx context.Context, fullName string) error {
	return l.setFlag(ctx, fullName, "pulls_migrated")
}

// PullsMigrated 是否已回放过 PR
func (l *Ledger) PullsMigrated(ctx context.Context, fullName string) (bool, error) {
	return l.flag(ctx, fullName, "pulls_migrated")
}

func (l *Ledger) setFlag(ctx context.Context, fullName, column string) error {
	err := l.db.WithContext(ctx).Model(&domain.LedgerRow{}).
		Where("full_name = ?", fullName).
		Update(column, true).Error
	return dbErr("标记 "+column+" "+fullName, err)
}

func (l *Ledger) flag(ctx context.Context, fullName, column string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&domain.LedgerRow{}).
		Where(fmt.Sprintf("full_name = ? AND %s = ?", column), fullName, true).
		Count(&count).Error
	return count > 0, dbErr("查询 "+column, err)
}

// PendingMigration 可训练且未迁移，按 stars 降序
func (l *Ledger) PendingMigration(ctx context.Context) ([]*domain.LedgerRow, error) {
	var rows []*domain.LedgerRow
	err := l.db.WithContext(ctx).
		Where("training_ready = ? AND migrated = ?", true, false).
		Order("stars DESC").
		Find(&rows).Error
	return rows, dbErr("查询待迁移仓库", err)
}

// AllTrainingReady 所有可训练仓库，按 stars 降序
func (l *Ledger) AllTrainingReady(ctx context.Context) ([]*domain.LedgerRow, error) {
	var rows []*domain.LedgerRow
	err := l.db.WithContext(ctx).
		Where("training_ready = ?", true).
		Order("stars DESC").
		Find(&rows).Error
	return rows, dbErr("查询可训练仓库", err)
}

// Stats 聚合统计
func (l *Ledger) Stats(ctx context.Context) (*domain.Stats, error) {
	db := l.db.WithContext(ctx)
	s := &domain.Stats{ByKind: make(map[domain.DataKind]int64)}

	counts := []struct {
		dst   *int64
		model any
		where string
		args  []any
	}{
		{&s.TotalRepos, &domain.LedgerRow{}, "", nil},
		{&s.TrainingReady, &domain.LedgerRow{}, "training_ready = ?", []any{true}},
		{&s.Migrated, &domain.LedgerRow{}, "migrated = ?", []any{true}},
		{&s.Pending, &domain.LedgerRow{}, "training_ready = ? AND migrated = ?", []any{true, false}},
		{&s.Rejected, &domain.RejectedRepo{}, "", nil},
		{&s.TotalExtracted, &domain.ExtractedRecord{}, "", nil},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.where != "" {
			q = q.Where(c.where, c.args...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, dbErr("统计", err)
		}
	}

	var byKind []struct {
		DataType domain.DataKind
		Count    int64
	}
	err := db.Model(&domain.ExtractedRecord{}).
		Select("data_type, COUNT(*) AS count").
		Group("data_type").
		Scan(&byKind).Error
	if err != nil {
		return nil, dbErr("按类型统计", err)
	}
	for _, k := range byKind {
		s.ByKind[k.DataType] = k.Count
	}
	return s, nil
}

package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github-harvester/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestLedger 内存 SQLite 账本
func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	l, err := NewLedger(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// setupMockDB 创建一个模拟的 Postgres 连接
func setupMockDB(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return &Ledger{db: gormDB, nowFunc: time.Now}, mock
}

func readyRow(name string, stars int) *domain.LedgerRow {
	owner, repo, _ := domain.SplitFullName(name)
	return &domain.LedgerRow{
		FullName: name, Owner: owner, Name: repo, Stars: stars,
		HasReadme: true, HasEnoughIssues: true, HasEnoughPRs: true, HasEnoughCode: true,
		KeywordSource: "parser",
	}
}

func TestLedger_UpsertNeverResetsMigrated(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	row := readyRow("octo/parser", 10)
	require.NoError(t, l.UpsertRepository(ctx, row))
	require.NoError(t, l.MarkIssuesMigrated(ctx, "octo/parser"))
	require.NoError(t, l.MarkPullsMigrated(ctx, "octo/parser"))
	require.NoError(t, l.MarkMigrated(ctx, "octo/parser"))

	// 再次发现同一个仓库：stars 变化，迁移标记保持
	again := readyRow("octo/parser", 99)
	require.NoError(t, l.UpsertRepository(ctx, again))

	got, err := l.GetRepository(ctx, "octo/parser")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 99, got.Stars)
	assert.True(t, got.Migrated)
	assert.True(t, got.IssuesMigrated)
	assert.True(t, got.PullsMigrated)
	assert.True(t, got.TrainingReady)
}

func TestLedger_StageFlagsIndependent(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.UpsertRepository(ctx, readyRow("octo/parser", 10)))

	require.NoError(t, l.MarkIssuesMigrated(ctx, "octo/parser"))

	issues, err := l.IssuesMigrated(ctx, "octo/parser")
	require.NoError(t, err)
	assert.True(t, issues)

	pulls, err := l.PullsMigrated(ctx, "octo/parser")
	require.NoError(t, err)
	assert.False(t, pulls)
}

func TestLedger_UpsertDerivesTrainingReady(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	row := readyRow("octo/lexer", 5)
	row.HasEnoughPRs = false
	row.TrainingReady = true // 由四个子条件重新计算
	require.NoError(t, l.UpsertRepository(ctx, row))

	got, err := l.GetRepository(ctx, "octo/lexer")
	require.NoError(t, err)
	assert.False(t, got.TrainingReady)

	missing, err := l.GetRepository(ctx, "nobody/none")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedger_PendingMigrationOrder(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertRepository(ctx, readyRow("a/low", 5)))
	require.NoError(t, l.UpsertRepository(ctx, readyRow("a/high", 500)))
	require.NoError(t, l.UpsertRepository(ctx, readyRow("a/mid", 50)))
	notReady := readyRow("a/nope", 1000)
	notReady.HasReadme = false
	require.NoError(t, l.UpsertRepository(ctx, notReady))
	require.NoError(t, l.UpsertRepository(ctx, readyRow("a/done", 900)))
	require.NoError(t, l.MarkMigrated(ctx, "a/done"))

	pending, err := l.PendingMigration(ctx)
	require.NoError(t, err)

	var names []string
	for _, r := range pending {
		names = append(names, r.FullName)
	}
	assert.Equal(t, []string{"a/high", "a/mid", "a/low"}, names)

	ready, err := l.AllTrainingReady(ctx)
	require.NoError(t, err)
	assert.Len(t, ready, 4)
	assert.Equal(t, "a/done", ready[0].FullName)
}

func TestLedger_AlreadyCheckedAndRejections(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	checked, err := l.IsAlreadyChecked(ctx, "x/rejected")
	require.NoError(t, err)
	assert.False(t, checked)

	require.NoError(t, l.SaveRejected(ctx, "x/rejected", "no issues/PRs likely"))
	require.NoError(t, l.SaveRejected(ctx, "x/rejected", "no README"))
	require.NoError(t, l.UpsertRepository(ctx, readyRow("x/accepted", 1)))

	for _, name := range []string{"x/rejected", "x/accepted"} {
		checked, err := l.IsAlreadyChecked(ctx, name)
		require.NoError(t, err)
		assert.True(t, checked, name)
	}

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Rejected)

	require.NoError(t, l.ForgetRejection(ctx, "x/rejected"))
	checked, err = l.IsAlreadyChecked(ctx, "x/rejected")
	require.NoError(t, err)
	assert.False(t, checked)
}

func TestLedger_ExtractedAppendOnly(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	titles, err := l.ExtractedTitles(ctx, "octo/parser", domain.KindIssue)
	require.NoError(t, err)
	assert.Empty(t, titles)

	rec := &domain.ExtractedRecord{RepoName: "octo/parser", DataType: domain.KindIssue, Title: "#1: bug", Content: "body"}
	require.NoError(t, l.SaveExtracted(ctx, rec))
	assert.NotZero(t, rec.ID)

	// 已落库的记录不能再写
	assert.Error(t, l.SaveExtracted(ctx, rec))

	titles, err = l.ExtractedTitles(ctx, "octo/parser", domain.KindIssue)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"#1: bug": true}, titles)

	titles, err = l.ExtractedTitles(ctx, "octo/parser", domain.KindCode)
	require.NoError(t, err)
	assert.Empty(t, titles)
}

func TestLedger_ExtractionProgress(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	// 有记录不代表整类完成
	require.NoError(t, l.SaveExtracted(ctx, &domain.ExtractedRecord{RepoName: "octo/parser", DataType: domain.KindIssue, Title: "#1: bug"}))
	done, err := l.ExtractionComplete(ctx, "octo/parser", domain.KindIssue)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.MarkExtractionComplete(ctx, "octo/parser", domain.KindIssue))
	// 重复标记不报错
	require.NoError(t, l.MarkExtractionComplete(ctx, "octo/parser", domain.KindIssue))

	done, err = l.ExtractionComplete(ctx, "octo/parser", domain.KindIssue)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = l.ExtractionComplete(ctx, "octo/parser", domain.KindPullRequest)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestLedger_Stats(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertRepository(ctx, readyRow("s/one", 1)))
	require.NoError(t, l.UpsertRepository(ctx, readyRow("s/two", 2)))
	require.NoError(t, l.MarkMigrated(ctx, "s/two"))
	partial := readyRow("s/three", 3)
	partial.HasEnoughCode = false
	require.NoError(t, l.UpsertRepository(ctx, partial))
	require.NoError(t, l.SaveRejected(ctx, "s/four", "no README"))

	for _, kind := range []domain.DataKind{domain.KindIssue, domain.KindIssue, domain.KindCode, domain.KindReadme} {
		require.NoError(t, l.SaveExtracted(ctx, &domain.ExtractedRecord{RepoName: "s/one", DataType: kind}))
	}

	stats, err := l.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalRepos)
	assert.Equal(t, int64(2), stats.TrainingReady)
	assert.Equal(t, int64(1), stats.Migrated)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(4), stats.TotalExtracted)
	assert.Equal(t, int64(2), stats.ByKind[domain.KindIssue])
	assert.Equal(t, int64(1), stats.ByKind[domain.KindCode])
	assert.Equal(t, int64(1), stats.ByKind[domain.KindReadme])
}

func TestLedger_MarkMigratedSQL(t *testing.T) {
	l, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "repositories" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.MarkMigrated(context.Background(), "octo/parser"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_PullsMigratedSQL(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  bool
	}{
		{name: "PR 已回放", count: 1, want: true},
		{name: "PR 未回放", count: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, mock := setupMockDB(t)
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "repositories" WHERE full_name = $1 AND pulls_migrated = $2`)).
				WithArgs("octo/parser", true).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.count))

			got, err := l.PullsMigrated(context.Background(), "octo/parser")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLedger_ForgetRejectionSQL(t *testing.T) {
	l, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "rejected_repos" WHERE full_name = $1`)).
		WithArgs("octo/parser").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.ForgetRejection(context.Background(), "octo/parser"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsPostgresDSN(t *testing.T) {
	assert.True(t, isPostgresDSN("postgres://u:p@localhost:5432/db"))
	assert.True(t, isPostgresDSN("host=localhost user=postgres dbname=harvester"))
	assert.False(t, isPostgresDSN("data/repositories.db"))
	assert.False(t, isPostgresDSN(":memory:"))
}

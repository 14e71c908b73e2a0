package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github-harvester/internal/adapter/render"
	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
	"github-harvester/internal/port/mocks"
)

var widget = domain.RepositoryHandle{
	FullName:    "acme/widget",
	Owner:       "acme",
	Name:        "widget",
	CloneURL:    "https://github.com/acme/widget.git",
	Description: "a widget",
}

type sleeps struct {
	calls []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func newTestMigration(src *mocks.Source, dst *mocks.Destination, led *mocks.Ledger) (*MigrationService, *sleeps) {
	rec := &sleeps{}
	m := NewMigrationService(src, dst, led, MigrationConfig{
		Org:          "mirror",
		SourceToken:  "ghp_token",
		MaxIssues:    500,
		MaxPulls:     500,
		PollInterval: 20 * time.Second,
		MaxWait:      time.Minute,
	}, quietLogger(), WithMigrationSleep(rec.sleep))
	m.now = func() time.Time { return fixedNow }
	return m, rec
}

func directRequest() port.MigrateRequest {
	return port.MigrateRequest{
		CloneAddr:   "https://github.com/acme/widget.git",
		RepoName:    "widget",
		RepoOwner:   "mirror",
		Description: "a widget",
		AuthToken:   "ghp_token",
		Releases:    true,
	}
}

func mirrorRequest() port.MigrateRequest {
	req := directRequest()
	req.Mirror = true
	req.Releases = false
	return req
}

// issuesDone 让迁移跳过 issue/PR 阶段
func issuesDone(led *mocks.Ledger) {
	led.On("IssuesMigrated", mock.Anything, "acme/widget").Return(true, nil)
	led.On("PullsMigrated", mock.Anything, "acme/widget").Return(true, nil)
	led.On("MarkMigrated", mock.Anything, "acme/widget").Return(nil)
}

var pullsPage1 = port.PullQuery{State: "all", Sort: "created", Direction: "asc", Page: 1, PerPage: 30}

func issuesPage(n int) interface{} {
	return mock.MatchedBy(func(q port.IssueQuery) bool { return q.Page == n })
}

func TestMigrate_ExistingDestinationSkipsTransfer(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{FullName: "mirror/widget", Size: 2048}, nil)
	issuesDone(led)

	m, _ := newTestMigration(src, dst, led)
	res, err := m.Migrate(context.Background(), widget)

	require.NoError(t, err)
	assert.Equal(t, TransferTransferred, res.Transfer)
	assert.True(t, res.IssuesSkipped)
	assert.True(t, res.PullsSkipped)
	dst.AssertNotCalled(t, "MigrateRepo", mock.Anything, mock.Anything)
	src.AssertNotCalled(t, "ListLabels", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	led.AssertExpectations(t)
}

func TestMigrate_DirectSuccess(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(nil, nil)
	dst.On("MigrateRepo", mock.Anything, directRequest()).Return(nil)
	issuesDone(led)

	m, _ := newTestMigration(src, dst, led)
	res, err := m.Migrate(context.Background(), widget)

	require.NoError(t, err)
	assert.Equal(t, TransferTransferred, res.Transfer)
	dst.AssertNotCalled(t, "DeleteRepo", mock.Anything, mock.Anything, mock.Anything)
}

func TestMigrate_MirrorFallback(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(nil, nil).Once()
	dst.On("MigrateRepo", mock.Anything, directRequest()).Return(errors.New("status 500"))
	dst.On("DeleteRepo", mock.Anything, "mirror", "widget").Return(nil)
	dst.On("MigrateRepo", mock.Anything, mirrorRequest()).Return(nil)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Empty: true}, nil).Once()
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Size: 4096, Mirror: true}, nil).Once()
	dst.On("SetMirror", mock.Anything, "mirror", "widget", false).Return(nil)
	issuesDone(led)

	m, rec := newTestMigration(src, dst, led)
	res, err := m.Migrate(context.Background(), widget)

	require.NoError(t, err)
	assert.Equal(t, TransferConverted, res.Transfer)
	assert.Equal(t, []time.Duration{20 * time.Second}, rec.calls)
	dst.AssertExpectations(t)
}

func TestMigrate_BothStrategiesFail(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(nil, nil).Once()
	dst.On("MigrateRepo", mock.Anything, directRequest()).Return(errors.New("status 500"))
	dst.On("DeleteRepo", mock.Anything, "mirror", "widget").Return(nil)
	dst.On("MigrateRepo", mock.Anything, mirrorRequest()).Return(nil)
	// 一直是空仓库，等到超时
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Empty: true}, nil)

	m, rec := newTestMigration(src, dst, led)
	res, err := m.Migrate(context.Background(), widget)

	require.Error(t, err)
	assert.Equal(t, common.ErrCodeMigration, common.CodeOf(err))
	assert.Equal(t, TransferFailed, res.Transfer)
	assert.Len(t, rec.calls, 3)
	dst.AssertNotCalled(t, "SetMirror", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "MarkMigrated", mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "IssuesMigrated", mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "PullsMigrated", mock.Anything, mock.Anything)
}

func TestMigrate_DestinationUnreachable(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(nil, errors.New("connection refused"))

	m, _ := newTestMigration(src, dst, led)
	res, err := m.Migrate(context.Background(), widget)

	require.Error(t, err)
	assert.Equal(t, TransferNotStarted, res.Transfer)
	dst.AssertNotCalled(t, "MigrateRepo", mock.Anything, mock.Anything)
}

func TestMigrate_FullContent(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	ctx := context.Background()

	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Size: 500}, nil)
	led.On("IssuesMigrated", mock.Anything, "acme/widget").Return(false, nil)
	led.On("PullsMigrated", mock.Anything, "acme/widget").Return(false, nil)

	// 标签：bug 新建，feature 冲突后取已有 ID
	src.On("ListLabels", mock.Anything, "acme", "widget", 1, 100).Return([]domain.LabelItem{
		{Name: "bug", Color: "d73a4a"},
		{Name: "feature", Color: "#a2eeef"},
	}, nil)
	dst.On("CreateLabel", mock.Anything, "mirror", "widget", domain.LabelItem{Name: "bug", Color: "#d73a4a"}).Return(int64(11), nil)
	dst.On("CreateLabel", mock.Anything, "mirror", "widget", domain.LabelItem{Name: "feature", Color: "#a2eeef"}).
		Return(int64(0), &mocksConflict{})
	dst.On("ListLabels", mock.Anything, "mirror", "widget").Return([]domain.LabelItem{{ID: 7, Name: "feature"}}, nil)

	// issue：PR 跳过，未知标签丢弃，关闭的 issue 随后关闭，一个创建失败
	open := domain.IssueItem{Number: 1, Title: "crash", Body: "boom", State: "open", Author: "ann", Labels: []string{"bug", "wontfix"}, CreatedAt: fixedNow}
	closed := domain.IssueItem{Number: 2, Title: "docs", State: "closed", Author: "bob", Labels: []string{"feature"}, CreatedAt: fixedNow}
	broken := domain.IssueItem{Number: 3, Title: "broken", State: "open"}
	src.On("ListIssues", mock.Anything, "acme", "widget", port.IssueQuery{State: "all", Sort: "created", Direction: "asc", Page: 1, PerPage: 30}).
		Return([]domain.IssueItem{open, {Number: 4, IsPullRequest: true}, closed, broken}, nil)
	src.On("ListIssues", mock.Anything, "acme", "widget", mock.MatchedBy(func(q port.IssueQuery) bool { return q.Page == 2 })).
		Return([]domain.IssueItem{}, nil)

	dst.On("CreateIssue", mock.Anything, "mirror", "widget", port.IssueRequest{Title: "crash", Body: render.IssueBody(open), Labels: []int64{11}}).Return(101, nil)
	dst.On("CreateIssue", mock.Anything, "mirror", "widget", port.IssueRequest{Title: "docs", Body: render.IssueBody(closed), Labels: []int64{7}}).Return(102, nil)
	dst.On("CreateIssue", mock.Anything, "mirror", "widget", port.IssueRequest{Title: "broken", Body: render.IssueBody(broken), Labels: []int64{}}).
		Return(0, errors.New("status 500"))
	dst.On("CloseIssue", mock.Anything, "mirror", "widget", 102).Return(nil)

	comment := domain.Comment{Author: "bob", Body: "me too", CreatedAt: fixedNow}
	src.On("ListIssueComments", mock.Anything, "acme", "widget", 1, 50).Return([]domain.Comment{comment}, nil)
	src.On("ListIssueComments", mock.Anything, "acme", "widget", 2, 50).Return([]domain.Comment{}, nil)
	dst.On("CreateComment", mock.Anything, "mirror", "widget", 101, render.CommentBody(comment)).Return(nil)

	// PR：合并后关闭
	pr := domain.PullItem{Number: 4, Title: "fix crash", State: "closed", Merged: true, Author: "ann", Labels: []string{"bug"}}
	files := []domain.ChangedFile{{Filename: "a.go", Status: "modified", Additions: 1}}
	src.On("ListPulls", mock.Anything, "acme", "widget", port.PullQuery{State: "all", Sort: "created", Direction: "asc", Page: 1, PerPage: 30}).
		Return([]domain.PullItem{pr}, nil)
	src.On("ListPulls", mock.Anything, "acme", "widget", mock.MatchedBy(func(q port.PullQuery) bool { return q.Page == 2 })).
		Return(nil, nil)
	src.On("ListPullFiles", mock.Anything, "acme", "widget", 4, 30).Return(files, nil)
	src.On("ListPullReviews", mock.Anything, "acme", "widget", 4, 20).Return(nil, errors.New("status 502"))
	dst.On("CreateIssue", mock.Anything, "mirror", "widget", port.IssueRequest{
		Title:  "[PR #4] fix crash",
		Body:   render.PullBody(pr, files, nil),
		Labels: []int64{11},
	}).Return(103, nil)
	src.On("ListIssueComments", mock.Anything, "acme", "widget", 4, 50).Return(nil, nil)
	dst.On("CloseIssue", mock.Anything, "mirror", "widget", 103).Return(nil)

	led.On("MarkIssuesMigrated", mock.Anything, "acme/widget").Return(nil)
	led.On("MarkPullsMigrated", mock.Anything, "acme/widget").Return(nil)
	led.On("MarkMigrated", mock.Anything, "acme/widget").Return(nil)

	m, _ := newTestMigration(src, dst, led)
	res, err := m.Migrate(ctx, widget)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Labels)
	assert.Equal(t, 2, res.Issues)
	assert.Equal(t, 1, res.IssueFailures)
	assert.Equal(t, 1, res.Pulls)
	assert.Equal(t, 1, res.Comments)
	dst.AssertNotCalled(t, "CloseIssue", mock.Anything, "mirror", "widget", 101)
	dst.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestMigrate_SourceListFailureAbortsBeforeFlags(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Size: 500}, nil)
	led.On("IssuesMigrated", mock.Anything, "acme/widget").Return(false, nil)
	led.On("PullsMigrated", mock.Anything, "acme/widget").Return(false, nil)
	src.On("ListLabels", mock.Anything, "acme", "widget", 1, 100).
		Return(nil, common.NewFatalError(common.ErrCodeGitHubAPI, "GET labels", 5, errors.New("429")))

	m, _ := newTestMigration(src, dst, led)
	_, err := m.Migrate(context.Background(), widget)

	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	led.AssertNotCalled(t, "MarkIssuesMigrated", mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "MarkPullsMigrated", mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "MarkMigrated", mock.Anything, mock.Anything)
}

func TestMigrate_PullStageFailureKeepsIssueFlag(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Size: 500}, nil)
	led.On("IssuesMigrated", mock.Anything, "acme/widget").Return(false, nil)
	led.On("PullsMigrated", mock.Anything, "acme/widget").Return(false, nil)
	src.On("ListLabels", mock.Anything, "acme", "widget", 1, 100).Return([]domain.LabelItem{}, nil)
	src.On("ListIssues", mock.Anything, "acme", "widget", issuesPage(1)).Return([]domain.IssueItem{}, nil)
	led.On("MarkIssuesMigrated", mock.Anything, "acme/widget").Return(nil)
	src.On("ListPulls", mock.Anything, "acme", "widget", pullsPage1).
		Return(nil, common.NewFatalError(common.ErrCodeGitHubAPI, "GET pulls", 5, errors.New("503")))

	m, _ := newTestMigration(src, dst, led)
	_, err := m.Migrate(context.Background(), widget)

	require.Error(t, err)
	led.AssertCalled(t, "MarkIssuesMigrated", mock.Anything, "acme/widget")
	led.AssertNotCalled(t, "MarkPullsMigrated", mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "MarkMigrated", mock.Anything, mock.Anything)
}

func TestMigrate_RerunOnlyReplaysPendingPulls(t *testing.T) {
	// 上次 issue 阶段已完成，PR 阶段中断
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Size: 500}, nil)
	led.On("IssuesMigrated", mock.Anything, "acme/widget").Return(true, nil)
	led.On("PullsMigrated", mock.Anything, "acme/widget").Return(false, nil)
	src.On("ListLabels", mock.Anything, "acme", "widget", 1, 100).Return([]domain.LabelItem{{Name: "bug", Color: "d73a4a"}}, nil)
	dst.On("CreateLabel", mock.Anything, "mirror", "widget", domain.LabelItem{Name: "bug", Color: "#d73a4a"}).Return(int64(0), &mocksConflict{})
	dst.On("ListLabels", mock.Anything, "mirror", "widget").Return([]domain.LabelItem{{ID: 11, Name: "bug"}}, nil)

	pr := domain.PullItem{Number: 9, Title: "open work", State: "open", Author: "ann", Labels: []string{"bug"}}
	src.On("ListPulls", mock.Anything, "acme", "widget", pullsPage1).Return([]domain.PullItem{pr}, nil)
	src.On("ListPulls", mock.Anything, "acme", "widget", mock.MatchedBy(func(q port.PullQuery) bool { return q.Page == 2 })).
		Return(nil, nil)
	src.On("ListPullFiles", mock.Anything, "acme", "widget", 9, 30).Return(nil, nil)
	src.On("ListPullReviews", mock.Anything, "acme", "widget", 9, 20).Return(nil, nil)
	dst.On("CreateIssue", mock.Anything, "mirror", "widget", port.IssueRequest{
		Title:  "[PR #9] open work",
		Body:   render.PullBody(pr, nil, nil),
		Labels: []int64{11},
	}).Return(201, nil)
	src.On("ListIssueComments", mock.Anything, "acme", "widget", 9, 50).Return(nil, nil)
	led.On("MarkPullsMigrated", mock.Anything, "acme/widget").Return(nil)
	led.On("MarkMigrated", mock.Anything, "acme/widget").Return(nil)

	m, _ := newTestMigration(src, dst, led)
	res, err := m.Migrate(context.Background(), widget)

	require.NoError(t, err)
	assert.True(t, res.IssuesSkipped)
	assert.False(t, res.PullsSkipped)
	assert.Equal(t, 1, res.Pulls)
	assert.Equal(t, 1, res.Labels)
	src.AssertNotCalled(t, "ListIssues", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "MarkIssuesMigrated", mock.Anything, mock.Anything)
	dst.AssertNotCalled(t, "CloseIssue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	led.AssertExpectations(t)
}

func TestMigratePending(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	led.On("PendingMigration", mock.Anything).Return([]*domain.LedgerRow{
		{FullName: "acme/widget", Owner: "acme", Name: "widget", CloneURL: widget.CloneURL, Description: "a widget", Stars: 90},
		{FullName: "acme/gadget", Owner: "acme", Name: "gadget", Stars: 10},
	}, nil)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Size: 500}, nil)
	issuesDone(led)
	dst.On("GetRepo", mock.Anything, "mirror", "gadget").Return(nil, errors.New("connection refused"))

	m, _ := newTestMigration(src, dst, led)
	summary, err := m.MigratePending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, &MigrationSummary{Success: 1, Failed: 1, Total: 2}, summary)
}

func TestMigrateRepository_CreatesLedgerRow(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	src.On("GetRepository", mock.Anything, "acme", "widget").Return(widget, nil)
	led.On("GetRepository", mock.Anything, "acme/widget").Return(nil, nil)
	led.On("UpsertRepository", mock.Anything, mock.MatchedBy(func(row *domain.LedgerRow) bool {
		return row.FullName == "acme/widget" && row.KeywordSource == "manual" && !row.TrainingReady
	})).Return(nil)
	dst.On("GetRepo", mock.Anything, "mirror", "widget").Return(&port.DestRepo{Size: 500}, nil)
	issuesDone(led)

	m, _ := newTestMigration(src, dst, led)
	_, err := m.MigrateRepository(context.Background(), "acme/widget", 10, 0)

	require.NoError(t, err)
	assert.Equal(t, 500, m.cfg.MaxIssues)
	led.AssertExpectations(t)
}

func TestMigrateRepository_SkipsMigratedRow(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	src.On("GetRepository", mock.Anything, "acme", "widget").Return(widget, nil)
	led.On("GetRepository", mock.Anything, "acme/widget").Return(&domain.LedgerRow{FullName: "acme/widget", Migrated: true}, nil)

	m, _ := newTestMigration(src, dst, led)
	res, err := m.MigrateRepository(context.Background(), "acme/widget", 0, 0)

	require.NoError(t, err)
	assert.Equal(t, TransferTransferred, res.Transfer)
	assert.True(t, res.IssuesSkipped)
	assert.True(t, res.PullsSkipped)
	dst.AssertNotCalled(t, "GetRepo", mock.Anything, mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "MarkMigrated", mock.Anything, mock.Anything)
}

func TestVerify(t *testing.T) {
	src, dst, led := new(mocks.Source), new(mocks.Destination), new(mocks.Ledger)
	dst.On("CurrentUser", mock.Anything).Return("admin", nil)
	dst.On("EnsureOrg", mock.Anything, "mirror").Return(nil)

	m, _ := newTestMigration(src, dst, led)
	require.NoError(t, m.Verify(context.Background()))

	dst2 := new(mocks.Destination)
	dst2.On("CurrentUser", mock.Anything).Return("", errors.New("401"))
	m2, _ := newTestMigration(src, dst2, led)
	err := m2.Verify(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.ErrCodeGiteaAPI, common.CodeOf(err))
}

func TestNormalizeColor(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"补井号", "d73a4a", "#d73a4a"},
		{"已有井号", "#d73a4a", "#d73a4a"},
		{"空值用默认色", "", "#ee0701"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeColor(tt.in))
		})
	}
}

// mocksConflict 模拟目标端 409
type mocksConflict struct{}

func (*mocksConflict) Error() string        { return "status 409" }
func (*mocksConflict) Is(target error) bool { return target == port.ErrConflict }

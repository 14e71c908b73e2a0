// Package mocks 提供 port 接口的 testify mock 实现，供各包测试使用
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

var (
	_ port.Source      = (*Source)(nil)
	_ port.Destination = (*Destination)(nil)
	_ port.Ledger      = (*Ledger)(nil)
	_ port.Gate        = (*Gate)(nil)
	_ port.Extractor   = (*Extractor)(nil)
	_ port.Notifier    = (*Notifier)(nil)
)

// as 取出第 i 个返回值，nil 时返回零值
func as[T any](args mock.Arguments, i int) T {
	var zero T
	v := args.Get(i)
	if v == nil {
		return zero
	}
	return v.(T)
}

type Source struct {
	mock.Mock
}

func (m *Source) SearchRepositories(ctx context.Context, query string, page, perPage int) ([]domain.RepositoryHandle, error) {
	args := m.Called(ctx, query, page, perPage)
	return as[[]domain.RepositoryHandle](args, 0), args.Error(1)
}

func (m *Source) GetRepository(ctx context.Context, owner, name string) (domain.RepositoryHandle, error) {
	args := m.Called(ctx, owner, name)
	return as[domain.RepositoryHandle](args, 0), args.Error(1)
}

func (m *Source) GetReadme(ctx context.Context, owner, name string) (*domain.Document, error) {
	args := m.Called(ctx, owner, name)
	return as[*domain.Document](args, 0), args.Error(1)
}

func (m *Source) ListIssues(ctx context.Context, owner, name string, q port.IssueQuery) ([]domain.IssueItem, error) {
	args := m.Called(ctx, owner, name, q)
	return as[[]domain.IssueItem](args, 0), args.Error(1)
}

func (m *Source) ListPulls(ctx context.Context, owner, name string, q port.PullQuery) ([]domain.PullItem, error) {
	args := m.Called(ctx, owner, name, q)
	return as[[]domain.PullItem](args, 0), args.Error(1)
}

func (m *Source) ListIssueComments(ctx context.Context, owner, name string, number, perPage int) ([]domain.Comment, error) {
	args := m.Called(ctx, owner, name, number, perPage)
	return as[[]domain.Comment](args, 0), args.Error(1)
}

func (m *Source) ListPullFiles(ctx context.Context, owner, name string, number, perPage int) ([]domain.ChangedFile, error) {
	args := m.Called(ctx, owner, name, number, perPage)
	return as[[]domain.ChangedFile](args, 0), args.Error(1)
}

func (m *Source) ListPullReviews(ctx context.Context, owner, name string, number, perPage int) ([]domain.Review, error) {
	args := m.Called(ctx, owner, name, number, perPage)
	return as[[]domain.Review](args, 0), args.Error(1)
}

func (m *Source) ListLabels(ctx context.Context, owner, name string, page, perPage int) ([]domain.LabelItem, error) {
	args := m.Called(ctx, owner, name, page, perPage)
	return as[[]domain.LabelItem](args, 0), args.Error(1)
}

func (m *Source) GetTree(ctx context.Context, owner, name, ref string) ([]domain.TreeEntry, error) {
	args := m.Called(ctx, owner, name, ref)
	return as[[]domain.TreeEntry](args, 0), args.Error(1)
}

func (m *Source) GetFileContent(ctx context.Context, owner, name, path string) (string, error) {
	args := m.Called(ctx, owner, name, path)
	return args.String(0), args.Error(1)
}

func (m *Source) RateLimits(ctx context.Context) ([]domain.Quota, error) {
	args := m.Called(ctx)
	return as[[]domain.Quota](args, 0), args.Error(1)
}

type Destination struct {
	mock.Mock
}

func (m *Destination) CurrentUser(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *Destination) EnsureOrg(ctx context.Context, org string) error {
	return m.Called(ctx, org).Error(0)
}

func (m *Destination) GetRepo(ctx context.Context, owner, name string) (*port.DestRepo, error) {
	args := m.Called(ctx, owner, name)
	return as[*port.DestRepo](args, 0), args.Error(1)
}

func (m *Destination) MigrateRepo(ctx context.Context, req port.MigrateRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *Destination) DeleteRepo(ctx context.Context, owner, name string) error {
	return m.Called(ctx, owner, name).Error(0)
}

func (m *Destination) SetMirror(ctx context.Context, owner, name string, mirror bool) error {
	return m.Called(ctx, owner, name, mirror).Error(0)
}

func (m *Destination) ListLabels(ctx context.Context, owner, name string) ([]domain.LabelItem, error) {
	args := m.Called(ctx, owner, name)
	return as[[]domain.LabelItem](args, 0), args.Error(1)
}

func (m *Destination) CreateLabel(ctx context.Context, owner, name string, label domain.LabelItem) (int64, error) {
	args := m.Called(ctx, owner, name, label)
	return as[int64](args, 0), args.Error(1)
}

func (m *Destination) CreateIssue(ctx context.Context, owner, name string, req port.IssueRequest) (int, error) {
	args := m.Called(ctx, owner, name, req)
	return args.Int(0), args.Error(1)
}

func (m *Destination) CloseIssue(ctx context.Context, owner, name string, number int) error {
	return m.Called(ctx, owner, name, number).Error(0)
}

func (m *Destination) CreateComment(ctx context.Context, owner, name string, number int, body string) error {
	return m.Called(ctx, owner, name, number, body).Error(0)
}

type Ledger struct {
	mock.Mock
}

func (m *Ledger) UpsertRepository(ctx context.Context, row *domain.LedgerRow) error {
	return m.Called(ctx, row).Error(0)
}

func (m *Ledger) SaveExtracted(ctx context.Context, rec *domain.ExtractedRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *Ledger) ExtractedTitles(ctx context.Context, repoName string, kind domain.DataKind) (map[string]bool, error) {
	args := m.Called(ctx, repoName, kind)
	return as[map[string]bool](args, 0), args.Error(1)
}

func (m *Ledger) MarkExtractionComplete(ctx context.Context, repoName string, kind domain.DataKind) error {
	return m.Called(ctx, repoName, kind).Error(0)
}

func (m *Ledger) ExtractionComplete(ctx context.Context, repoName string, kind domain.DataKind) (bool, error) {
	args := m.Called(ctx, repoName, kind)
	return args.Bool(0), args.Error(1)
}

func (m *Ledger) SaveRejected(ctx context.Context, fullName, reason string) error {
	return m.Called(ctx, fullName, reason).Error(0)
}

func (m *Ledger) ForgetRejection(ctx context.Context, fullName string) error {
	return m.Called(ctx, fullName).Error(0)
}

func (m *Ledger) IsAlreadyChecked(ctx context.Context, fullName string) (bool, error) {
	args := m.Called(ctx, fullName)
	return args.Bool(0), args.Error(1)
}

func (m *Ledger) GetRepository(ctx context.Context, fullName string) (*domain.LedgerRow, error) {
	args := m.Called(ctx, fullName)
	return as[*domain.LedgerRow](args, 0), args.Error(1)
}

func (m *Ledger) MarkMigrated(ctx context.Context, fullName string) error {
	return m.Called(ctx, fullName).Error(0)
}

func (m *Ledger) MarkIssuesMigrated(ctx context.Context, fullName string) error {
	return m.Called(ctx, fullName).Error(0)
}

func (m *Ledger) IssuesMigrated(ctx context.Context, fullName string) (bool, error) {
	args := m.Called(ctx, fullName)
	return args.Bool(0), args.Error(1)
}

func (m *Ledger) MarkPullsMigrated(ctx context.Context, fullName string) error {
	return m.Called(ctx, fullName).Error(0)
}

func (m *Ledger) PullsMigrated(ctx context.Context, fullName string) (bool, error) {
	args := m.Called(ctx, fullName)
	return args.Bool(0), args.Error(1)
}

func (m *Ledger) PendingMigration(ctx context.Context) ([]*domain.LedgerRow, error) {
	args := m.Called(ctx)
	return as[[]*domain.LedgerRow](args, 0), args.Error(1)
}

func (m *Ledger) AllTrainingReady(ctx context.Context) ([]*domain.LedgerRow, error) {
	args := m.Called(ctx)
	return as[[]*domain.LedgerRow](args, 0), args.Error(1)
}

func (m *Ledger) Stats(ctx context.Context) (*domain.Stats, error) {
	args := m.Called(ctx)
	return as[*domain.Stats](args, 0), args.Error(1)
}

type Gate struct {
	mock.Mock
}

func (m *Gate) Validate(ctx context.Context, h domain.RepositoryHandle) (domain.EligibilityRecord, error) {
	args := m.Called(ctx, h)
	return as[domain.EligibilityRecord](args, 0), args.Error(1)
}

func (m *Gate) Thresholds() domain.Thresholds {
	return as[domain.Thresholds](m.Called(), 0)
}

type Extractor struct {
	mock.Mock
}

func (m *Extractor) ExtractAll(ctx context.Context, h domain.RepositoryHandle) (*port.ExtractionResult, error) {
	args := m.Called(ctx, h)
	return as[*port.ExtractionResult](args, 0), args.Error(1)
}

type Notifier struct {
	mock.Mock
}

func (m *Notifier) NotifyReport(ctx context.Context, report *port.RunReport) error {
	return m.Called(ctx, report).Error(0)
}

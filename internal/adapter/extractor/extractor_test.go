package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
	"github-harvester/internal/port/mocks"
)

var repo = domain.RepositoryHandle{FullName: "acme/widget", Owner: "acme", Name: "widget", DefaultBranch: "main"}

func testConfig() Config {
	return Config{MaxIssues: 5, MaxPulls: 5, MaxCode: 2, MaxFileSize: 80_000, Extensions: []string{".py", ".go"}}
}

func newTestExtractor(src port.Source, led port.Ledger) *Extractor {
	return New(src, led, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func issuePage(n int) interface{} {
	return mock.MatchedBy(func(q port.IssueQuery) bool { return q.Page == n })
}

func pullPage(n int) interface{} {
	return mock.MatchedBy(func(q port.PullQuery) bool { return q.Page == n })
}

// recordingLedger 收集 SaveExtracted 写入的记录
func recordingLedger(done map[domain.DataKind]bool) (*mocks.Ledger, *[]*domain.ExtractedRecord) {
	return resumingLedger(done, nil)
}

// resumingLedger 在 recordingLedger 基础上预置已落库的标题
func resumingLedger(done map[domain.DataKind]bool, titles map[domain.DataKind]map[string]bool) (*mocks.Ledger, *[]*domain.ExtractedRecord) {
	var saved []*domain.ExtractedRecord
	led := new(mocks.Ledger)
	for _, k := range []domain.DataKind{domain.KindReadme, domain.KindIssue, domain.KindPullRequest, domain.KindCode} {
		led.On("ExtractionComplete", mock.Anything, "acme/widget", k).Return(done[k], nil).Maybe()
		led.On("ExtractedTitles", mock.Anything, "acme/widget", k).Return(titles[k], nil).Maybe()
		led.On("MarkExtractionComplete", mock.Anything, "acme/widget", k).Return(nil).Maybe()
	}
	led.On("SaveExtracted", mock.Anything, mock.AnythingOfType("*domain.ExtractedRecord")).
		Run(func(args mock.Arguments) {
			saved = append(saved, args.Get(1).(*domain.ExtractedRecord))
		}).
		Return(nil).Maybe()
	return led, &saved
}

func TestExtractAll(t *testing.T) {
	src := new(mocks.Source)
	src.On("GetReadme", mock.Anything, "acme", "widget").
		Return(&domain.Document{Name: "README.md", Path: "README.md", Size: 11, Content: "hello world"}, nil)

	src.On("ListIssues", mock.Anything, "acme", "widget", issuePage(1)).Return([]domain.IssueItem{
		{Number: 3, Title: "crash on start", Body: "stack trace", State: "open", Author: "ann", Comments: 2, Labels: []string{"bug"}},
		{Number: 4, Title: "a pull", IsPullRequest: true},
		{Number: 2, Title: "docs", State: "closed", Author: "bob"},
	}, nil)
	src.On("ListIssues", mock.Anything, "acme", "widget", issuePage(2)).Return([]domain.IssueItem{}, nil)
	src.On("ListIssueComments", mock.Anything, "acme", "widget", 3, 10).Return([]domain.Comment{
		{Author: "bob", Body: "same here"},
		{Author: "ann", Body: "fixed"},
	}, nil)

	src.On("ListPulls", mock.Anything, "acme", "widget", pullPage(1)).Return([]domain.PullItem{
		{Number: 4, Title: "fix crash", State: "closed", Merged: true, HeadRef: "fix", BaseRef: "main", Author: "ann"},
	}, nil)
	src.On("ListPulls", mock.Anything, "acme", "widget", pullPage(2)).Return(nil, nil)
	src.On("ListPullFiles", mock.Anything, "acme", "widget", 4, 20).Return([]domain.ChangedFile{
		{Filename: "main.py", Status: "modified", Additions: 1, Deletions: 1, Patch: strings.Repeat("x", 3500)},
	}, nil)

	src.On("GetTree", mock.Anything, "acme", "widget", "main").Return([]domain.TreeEntry{
		{Path: "pkg/deep/core.py", Type: "blob", Size: 5000},
		{Path: "app.py", Type: "blob", Size: 9000},
		{Path: "tiny.py", Type: "blob", Size: 5100},
		{Path: "tests/test_app.py", Type: "blob", Size: 5000},
	}, nil)
	src.On("GetFileContent", mock.Anything, "acme", "widget", "tiny.py").Return("x = 1\n", nil)
	src.On("GetFileContent", mock.Anything, "acme", "widget", "app.py").Return(strings.Repeat("print('hi')\n", 10), nil)

	led, saved := recordingLedger(nil)
	res, err := newTestExtractor(src, led).ExtractAll(context.Background(), repo)
	require.NoError(t, err)

	require.NotNil(t, res.Readme)
	assert.Equal(t, "README.md", res.Readme.Title)
	assert.Contains(t, res.Readme.Metadata, "content_hash")

	require.Len(t, res.Issues, 2)
	assert.Equal(t, "#3: crash on start", res.Issues[0].Title)
	var issueContent map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Issues[0].Content), &issueContent))
	assert.Equal(t, "stack trace", issueContent["body"])
	assert.Equal(t, "[bob]: same here\n---\n[ann]: fixed", issueContent["comments"])
	src.AssertNotCalled(t, "ListIssueComments", mock.Anything, "acme", "widget", 2, mock.Anything)

	require.Len(t, res.PullRequests, 1)
	assert.Equal(t, "PR #4: fix crash", res.PullRequests[0].Title)
	var prContent struct {
		ChangedFiles []fileSummary `json:"changed_files"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.PullRequests[0].Content), &prContent))
	require.Len(t, prContent.ChangedFiles, 1)
	assert.Len(t, prContent.ChangedFiles[0].Patch, 3000)
	assert.Contains(t, res.PullRequests[0].Metadata, `"merged":true`)

	// 深层文件排在后面被截掉，tiny.py 内容太短被跳过
	require.Len(t, res.CodeFiles, 1)
	assert.Equal(t, "app.py", res.CodeFiles[0].Title)
	assert.Contains(t, res.CodeFiles[0].Metadata, `"language":"python"`)

	assert.Equal(t, 5, res.Total())
	assert.Len(t, *saved, 5)
	for _, rec := range *saved {
		assert.Equal(t, "acme/widget", rec.RepoName)
	}
	for _, k := range []domain.DataKind{domain.KindReadme, domain.KindIssue, domain.KindPullRequest, domain.KindCode} {
		led.AssertCalled(t, "MarkExtractionComplete", mock.Anything, "acme/widget", k)
	}
}

func TestExtractAll_SkipsKindsAlreadyExtracted(t *testing.T) {
	src := new(mocks.Source)
	src.On("ListPulls", mock.Anything, "acme", "widget", pullPage(1)).Return([]domain.PullItem{}, nil)
	src.On("GetTree", mock.Anything, "acme", "widget", "main").Return(nil, nil)

	led, _ := recordingLedger(map[domain.DataKind]bool{domain.KindReadme: true, domain.KindIssue: true})
	res, err := newTestExtractor(src, led).ExtractAll(context.Background(), repo)

	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())
	src.AssertNotCalled(t, "GetReadme", mock.Anything, mock.Anything, mock.Anything)
	src.AssertNotCalled(t, "ListIssues", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "ExtractedTitles", mock.Anything, "acme/widget", domain.KindIssue)
}

func TestExtractAll_ResumesInterruptedKind(t *testing.T) {
	// 上次跑到 #1 之后被打断：issue 类没有完成标记，库里只有一条
	src := new(mocks.Source)
	src.On("ListIssues", mock.Anything, "acme", "widget", issuePage(1)).Return([]domain.IssueItem{
		{Number: 1, Title: "first (renamed)", Comments: 3},
		{Number: 2, Title: "second"},
		{Number: 3, Title: "third"},
		{Number: 4, Title: "fourth"},
		{Number: 5, Title: "fifth"},
		{Number: 6, Title: "over the cap"},
	}, nil)
	src.On("ListPulls", mock.Anything, "acme", "widget", pullPage(1)).Return(nil, nil)
	src.On("GetTree", mock.Anything, "acme", "widget", "main").Return(nil, nil)

	led, saved := resumingLedger(
		map[domain.DataKind]bool{domain.KindReadme: true},
		map[domain.DataKind]map[string]bool{domain.KindIssue: {"#1: first": true}},
	)
	res, err := newTestExtractor(src, led).ExtractAll(context.Background(), repo)
	require.NoError(t, err)

	var titles []string
	for _, rec := range *saved {
		titles = append(titles, rec.Title)
	}
	assert.Equal(t, []string{"#2: second", "#3: third", "#4: fourth", "#5: fifth"}, titles)
	assert.Len(t, res.Issues, 4)
	src.AssertNotCalled(t, "ListIssueComments", mock.Anything, "acme", "widget", 1, mock.Anything)
	led.AssertCalled(t, "MarkExtractionComplete", mock.Anything, "acme/widget", domain.KindIssue)
}

func TestExtractAll_InterruptedKindNotMarkedComplete(t *testing.T) {
	src := new(mocks.Source)
	src.On("GetReadme", mock.Anything, "acme", "widget").Return(nil, nil)
	src.On("ListIssues", mock.Anything, "acme", "widget", issuePage(1)).Return([]domain.IssueItem{
		{Number: 1, Title: "first"},
	}, nil)
	src.On("ListIssues", mock.Anything, "acme", "widget", issuePage(2)).Return(nil, errors.New("bad gateway"))
	src.On("ListPulls", mock.Anything, "acme", "widget", pullPage(1)).Return(nil, nil)
	src.On("GetTree", mock.Anything, "acme", "widget", "main").Return(nil, nil)

	led, saved := recordingLedger(nil)
	_, err := newTestExtractor(src, led).ExtractAll(context.Background(), repo)

	require.NoError(t, err)
	assert.Len(t, *saved, 1)
	led.AssertNotCalled(t, "MarkExtractionComplete", mock.Anything, "acme/widget", domain.KindIssue)
	led.AssertCalled(t, "MarkExtractionComplete", mock.Anything, "acme/widget", domain.KindPullRequest)
}

func TestExtractAll_FatalStops(t *testing.T) {
	fatal := common.NewFatalError(common.ErrCodeGitHubAPI, "GET /repos/acme/widget/readme", 5, errors.New("503"))
	src := new(mocks.Source)
	src.On("GetReadme", mock.Anything, "acme", "widget").Return(nil, fatal)

	led, _ := recordingLedger(nil)
	_, err := newTestExtractor(src, led).ExtractAll(context.Background(), repo)

	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	src.AssertNotCalled(t, "ListIssues", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExtractAll_NonFatalErrorContinues(t *testing.T) {
	src := new(mocks.Source)
	src.On("GetReadme", mock.Anything, "acme", "widget").Return(nil, errors.New("bad gateway"))
	src.On("ListIssues", mock.Anything, "acme", "widget", issuePage(1)).Return(nil, nil)
	src.On("ListPulls", mock.Anything, "acme", "widget", pullPage(1)).Return(nil, nil)
	src.On("GetTree", mock.Anything, "acme", "widget", "main").Return(nil, nil)

	led, _ := recordingLedger(nil)
	res, err := newTestExtractor(src, led).ExtractAll(context.Background(), repo)

	require.NoError(t, err)
	assert.Nil(t, res.Readme)
	src.AssertExpectations(t)
	led.AssertNotCalled(t, "MarkExtractionComplete", mock.Anything, "acme/widget", domain.KindReadme)
}

func TestRankCode(t *testing.T) {
	e := New(nil, nil, Config{MaxCode: 3, MaxFileSize: 80_000, Extensions: []string{".go"}}, nil)
	ranked := e.rankCode([]domain.TreeEntry{
		{Path: "a/b/c.go", Type: "blob", Size: 5000},
		{Path: "far.go", Type: "blob", Size: 20000},
		{Path: "near.go", Type: "blob", Size: 4800},
		{Path: "huge.go", Type: "blob", Size: 90000},
		{Path: "x/y.go", Type: "blob", Size: 5000},
		{Path: "vendor/lib.go", Type: "blob", Size: 5000},
		{Path: "notes.txt", Type: "blob", Size: 5000},
	})

	var paths []string
	for _, n := range ranked {
		paths = append(paths, n.Path)
	}
	assert.Equal(t, []string{"near.go", "far.go", "x/y.go"}, paths)
}

func TestIsGenerated(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{"依赖目录", "node_modules/lib/index.js", true},
		{"压缩文件", "static/app.min.js", true},
		{"测试文件", "pkg/server_test.go", true},
		{"锁文件大写", "Pipfile.lock", true},
		{"打包脚本", "setup.py", true},
		{"普通源码", "pkg/server.go", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGenerated(tt.path))
		})
	}
}

func TestDetectLanguageAndTruncate(t *testing.T) {
	assert.Equal(t, "go", DetectLanguage("main.go"))
	assert.Equal(t, "rust", DetectLanguage("src/lib.RS"))
	assert.Equal(t, "unknown", DetectLanguage("Makefile"))

	assert.Equal(t, "héllo", Truncate("héllo", 5))
	assert.Equal(t, "hé", Truncate("héllo", 2))
}

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github-harvester/internal/adapter/extractor"
	"github-harvester/internal/adapter/feishu"
	"github-harvester/internal/adapter/filter"
	"github-harvester/internal/adapter/gitea"
	"github-harvester/internal/adapter/github"
	"github-harvester/internal/adapter/repository"
	"github-harvester/internal/config"
	"github-harvester/internal/pacer"
	"github-harvester/internal/port"
	"github-harvester/internal/service"
)

// app 一次命令执行所需的全部组件
type app struct {
	cfg    config.Config
	logger *slog.Logger

	ledger    *repository.Ledger
	source    *github.Source
	dest      *gitea.Client
	discovery *service.DiscoveryService
	migration *service.MigrationService
	pipeline  *service.PipelineService
}

// loadApp 读取配置并组装组件；只建对象不发请求
func loadApp(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	return newApp(cfg, logger)
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	pc := pacer.New(0)
	pc.SetInterval(hostOf(cfg.GitHub.APIURL), cfg.Pacing.SourceInterval)
	pc.SetInterval(hostOf(cfg.Gitea.URL), cfg.Pacing.DestInterval)

	gov, err := github.NewGovernor(
		pc.Transport(github.NewTokenTransport(cfg.GitHub.Token, http.DefaultTransport)),
		cfg.GitHub.APIURL,
		github.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	source := github.NewSource(github.NewClient(gov), gov, logger)

	dest, err := gitea.NewClient(cfg.Gitea.URL, cfg.Gitea.Token,
		gitea.WithHTTPClient(&http.Client{Transport: pc.Transport(http.DefaultTransport)}),
		gitea.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	ledger, err := repository.Open(cfg.DBDSN, cfg.DBVerbose)
	if err != nil {
		return nil, err
	}

	gate := filter.NewGate(source, cfg.Gate.Thresholds(), cfg.Extract.Extensions, logger)
	ext := extractor.New(source, ledger, extractor.Config{
		MaxIssues:   cfg.Extract.MaxIssues,
		MaxPulls:    cfg.Extract.MaxPRs,
		MaxCode:     cfg.Extract.MaxCode,
		MaxFileSize: cfg.Extract.MaxFileSize,
		Extensions:  cfg.Extract.Extensions,
	}, logger)

	discovery := service.NewDiscoveryService(source, gate, ledger, logger)
	migration := service.NewMigrationService(source, dest, ledger, service.MigrationConfig{
		Org:          cfg.Gitea.Org,
		SourceToken:  cfg.GitHub.Token,
		MaxIssues:    cfg.Migrate.MaxIssues,
		MaxPulls:     cfg.Migrate.MaxPRs,
		PollInterval: cfg.Migrate.PollInterval,
		MaxWait:      cfg.Migrate.MaxWait,
	}, logger)

	var notifier port.Notifier
	if cfg.Feishu != "" {
		notifier = feishu.NewNotifier(cfg.Feishu, cfg.Gitea.URL+"/"+cfg.Gitea.Org, logger)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		ledger:    ledger,
		source:    source,
		dest:      dest,
		discovery: discovery,
		migration: migration,
		pipeline:  service.NewPipelineService(discovery, ext, migration, ledger, notifier, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("⚠️ 关闭数据库失败", "error", err)
	}
}

// searchParams 配置里的搜索参数
func (a *app) searchParams() service.SearchParams {
	s := a.cfg.Search
	return service.SearchParams{
		Keywords:         s.Keywords,
		Language:         s.Language,
		MinStars:         s.MinStars,
		TargetPerKeyword: s.TargetPerKeyword,
		ScanCeiling:      s.ScanCeiling,
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

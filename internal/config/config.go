package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github-harvester/internal/domain"
)

// Config 运行配置，全部来自环境变量 (可由 .env 提供)
type Config struct {
	GitHub    GitHubConfig
	Gitea     GiteaConfig
	Search    SearchConfig
	Gate      GateConfig
	Extract   ExtractConfig
	Migrate   MigrateConfig
	Pacing    PacingConfig
	Schedule  ScheduleConfig
	Log       LogConfig
	DBDSN     string
	DBVerbose bool
	Feishu    string
}

type GitHubConfig struct {
	Token  string
	APIURL string
}

type GiteaConfig struct {
	URL   string
	Token string
	Org   string
}

type SearchConfig struct {
	Keywords         []string
	Language         string
	MinStars         int
	TargetPerKeyword int
	ScanCeiling      int
}

type GateConfig struct {
	MinIssues    int
	MinPRs       int
	MinCodeFiles int
}

// Thresholds 转成资格门槛
func (g GateConfig) Thresholds() domain.Thresholds {
	return domain.Thresholds{Issues: g.MinIssues, PullRequests: g.MinPRs, CodeFiles: g.MinCodeFiles}
}

type ExtractConfig struct {
	MaxIssues   int
	MaxPRs      int
	MaxCode     int
	MaxFileSize int
	Extensions  []string
}

type MigrateConfig struct {
	MaxIssues    int
	MaxPRs       int
	PollInterval time.Duration
	MaxWait      time.Duration
}

type PacingConfig struct {
	SourceInterval time.Duration
	DestInterval   time.Duration
}

type ScheduleConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level string
	JSON  bool
}

// Load 先加载 envFile (不存在时忽略)，再读取环境变量
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	cfg := Config{
		GitHub: GitHubConfig{
			Token:  getEnv("GITHUB_TOKEN", ""),
			APIURL: getEnv("GITHUB_API_URL", "https://api.github.com/"),
		},
		Gitea: GiteaConfig{
			URL:   strings.TrimRight(getEnv("GITEA_URL", "http://localhost:3000"), "/"),
			Token: getEnv("GITEA_TOKEN", ""),
			Org:   getEnv("GITEA_ORG", "github-mirror"),
		},
		Search: SearchConfig{
			Keywords:         getEnvList("SEARCH_KEYWORDS", []string{"python"}),
			Language:         getEnv("SEARCH_LANGUAGE", "python"),
			MinStars:         getEnvInt("MIN_STARS", 10),
			TargetPerKeyword: getEnvInt("PROJECTS_PER_KEYWORD", 20),
			ScanCeiling:      getEnvInt("MAX_SCAN_PER_KEYWORD", 150),
		},
		Gate: GateConfig{
			MinIssues:    getEnvInt("MIN_ISSUES_REQUIRED", 3),
			MinPRs:       getEnvInt("MIN_PRS_REQUIRED", 2),
			MinCodeFiles: getEnvInt("MIN_CODE_FILES_REQUIRED", 3),
		},
		Extract: ExtractConfig{
			MaxIssues:   getEnvInt("MAX_ISSUES_EXTRACT", 50),
			MaxPRs:      getEnvInt("MAX_PRS_EXTRACT", 30),
			MaxCode:     getEnvInt("MAX_CODE_FILES_EXTRACT", 25),
			MaxFileSize: getEnvInt("MAX_CODE_FILE_SIZE", 80_000),
			Extensions:  getEnvList("CODE_EXTENSIONS", []string{".py", ".js", ".ts", ".go", ".rs", ".java"}),
		},
		Migrate: MigrateConfig{
			MaxIssues:    getEnvInt("MAX_ISSUES_MIGRATE", 500),
			MaxPRs:       getEnvInt("MAX_PRS_MIGRATE", 500),
			PollInterval: getEnvDuration("MIRROR_POLL_INTERVAL", 20*time.Second),
			MaxWait:      getEnvDuration("MIRROR_MAX_WAIT", 30*time.Minute),
		},
		Pacing: PacingConfig{
			SourceInterval: getEnvDuration("SOURCE_MIN_INTERVAL", 300*time.Millisecond),
			DestInterval:   getEnvDuration("DEST_MIN_INTERVAL", 200*time.Millisecond),
		},
		Schedule: ScheduleConfig{
			Interval: time.Duration(getEnvInt("CRON_INTERVAL_HOURS", 6)) * time.Hour,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  getEnvBool("LOG_JSON", false),
		},
		DBDSN:     getEnv("DB_DSN", "data/repositories.db"),
		DBVerbose: getEnvBool("DB_VERBOSE", false),
		Feishu:    getEnv("FEISHU_WEBHOOK", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查门槛和上限必须为正数
func (c Config) Validate() error {
	positive := []struct {
		key   string
		value int
	}{
		{"MIN_ISSUES_REQUIRED", c.Gate.MinIssues},
		{"MIN_PRS_REQUIRED", c.Gate.MinPRs},
		{"MIN_CODE_FILES_REQUIRED", c.Gate.MinCodeFiles},
		{"PROJECTS_PER_KEYWORD", c.Search.TargetPerKeyword},
		{"MAX_SCAN_PER_KEYWORD", c.Search.ScanCeiling},
		{"MAX_ISSUES_EXTRACT", c.Extract.MaxIssues},
		{"MAX_PRS_EXTRACT", c.Extract.MaxPRs},
		{"MAX_CODE_FILES_EXTRACT", c.Extract.MaxCode},
		{"MAX_CODE_FILE_SIZE", c.Extract.MaxFileSize},
		{"MAX_ISSUES_MIGRATE", c.Migrate.MaxIssues},
		{"MAX_PRS_MIGRATE", c.Migrate.MaxPRs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.key, p.value)
		}
	}
	if c.Search.MinStars < 0 {
		return fmt.Errorf("MIN_STARS must not be negative, got %d", c.Search.MinStars)
	}
	if len(c.Search.Keywords) == 0 {
		return fmt.Errorf("SEARCH_KEYWORDS is empty")
	}
	if c.Migrate.PollInterval <= 0 || c.Schedule.Interval <= 0 {
		return fmt.Errorf("MIRROR_POLL_INTERVAL and CRON_INTERVAL_HOURS must be positive")
	}
	return nil
}

// RequireGitHub 访问 GitHub 的命令需要 token
func (c Config) RequireGitHub() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	return nil
}

// RequireGitea 迁移相关命令需要 Gitea token
func (c Config) RequireGitea() error {
	if c.Gitea.Token == "" {
		return fmt.Errorf("GITEA_TOKEN is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration 接受 "20s" 这样的写法，纯数字按秒处理
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

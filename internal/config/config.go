package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Browser  BrowserConfig  `json:"browser"`
	Crawl    CrawlConfig    `json:"crawl"`

	SourcesFile string         `json:"sources_file"` // 可选的 YAML 来源定义文件
	Sources     []SourceConfig `json:"sources"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`                // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	MetricsAddr      string        `json:"metrics_addr"`       // Prometheus 监听地址
	Timezone         string        `json:"timezone"`           // 解析相对发布时间使用的时区
	EnableRedisQueue bool          `json:"enable_redis_queue"` // 是否从 Redis 队列消费采集任务
	DedupWindow      time.Duration `json:"dedup_window"`       // 相同采集任务的去重窗口（如 "10m"）
	JobTimeout       time.Duration `json:"job_timeout"`        // 单个采集任务最大执行时间
	ScheduleInterval time.Duration `json:"schedule_interval"`  // 定时为每个来源派发任务的间隔，0 表示关闭
	ScheduleLookback time.Duration `json:"schedule_lookback"`  // 定时任务的截止时间回看窗口，0 表示不截断
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres / sqlite
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)，为空表示不使用 Redis
	Password string `json:"password"` // Redis 密码
}

// BrowserConfig 浏览器与抓取引擎配置。
type BrowserConfig struct {
	Engine             string        `json:"engine"`              // rod（渲染） / http（静态页面）
	BinPath            string        `json:"bin_path"`            // 浏览器可执行文件路径
	ProxyURL           string        `json:"proxy_url"`           // 代理服务器 URL
	Headless           bool          `json:"headless"`            // 是否使用无头模式
	PageTimeout        time.Duration `json:"page_timeout"`        // 单次导航超时
	ManualIntervention bool          `json:"manual_intervention"` // 遇到验证码时等待人工处理（仅非无头模式）
	ManualWait         time.Duration `json:"manual_wait"`         // 人工处理的最长等待时间
}

// CrawlConfig 分页抓取、重试与限流配置。
type CrawlConfig struct {
	MaxPages          int           `json:"max_pages"`          // 默认最大页数
	RequestDelay      time.Duration `json:"request_delay"`      // 翻页间隔（如 "2s"）
	MaxAttempts       int           `json:"max_attempts"`       // 每页最大尝试次数
	BaseDelay         time.Duration `json:"base_delay"`         // 退避基础时长
	CaptchaMultiplier float64       `json:"captcha_multiplier"` // 验证码拦截时的退避倍数
	JitterRatio       float64       `json:"jitter_ratio"`       // 抖动比例（0.35 表示 ±35%，0 表示关闭，未设置时取默认值）
	RateLimitStatuses []int         `json:"rate_limit_statuses"`
	CaptchaMarkers    []string      `json:"captcha_markers"`
	RateLimit         float64       `json:"rate_limit"` // 每个主机的令牌速率（token/s），0 表示关闭
	RateBurst         float64       `json:"rate_burst"` // 令牌桶容量
}

// Load 从 JSON 文件加载配置。
//
// 它会先加载 .env（不存在时忽略），然后尝试读取 configs/config.json，
// 如果不存在则使用默认值；之后合并 YAML 来源文件，最后应用环境变量覆盖。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := getDefaultConfig()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// 先置为 unsetJitterRatio，以区分显式的 "jitter_ratio": 0 与未设置
		cfg = &Config{Crawl: CrawlConfig{JitterRatio: unsetJitterRatio}}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyDefaults(cfg)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.SourcesFile != "" {
		if err := mergeSourcesFile(cfg, cfg.SourcesFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置中互相矛盾或缺失的项。
func (c *Config) Validate() error {
	switch c.Browser.Engine {
	case EngineRod, EngineHTTP:
	default:
		return fmt.Errorf("unknown browser engine %q", c.Browser.Engine)
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source without name")
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source %q", src.Name)
		}
		seen[src.Name] = true
		if len(src.BaseURLs) == 0 {
			return fmt.Errorf("source %q has no base urls", src.Name)
		}
		if len(src.Rules.Card) == 0 {
			return fmt.Errorf("source %q has no card selector", src.Name)
		}
	}
	return nil
}

// Source 按名称查找来源定义。
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// Location 返回配置的时区，加载失败时回退为本地时区。
func (c *Config) Location() *time.Location {
	if c.App.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

const (
	EngineRod  = "rod"
	EngineHTTP = "http"
)

// unsetJitterRatio 标记配置文件中没有出现 jitter_ratio，负数同样视为未设置。
const unsetJitterRatio = -1

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:         "local",
			LogLevel:    "info",
			MetricsAddr: ":2112",
			Timezone:    "Europe/Moscow",
			DedupWindow: 10 * time.Minute,
			JobTimeout:  30 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/listings?parseTime=true&loc=Local&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Browser: BrowserConfig{
			Engine:      EngineRod,
			Headless:    true,
			PageTimeout: 45 * time.Second,
			ManualWait:  3 * time.Minute,
		},
		Crawl: CrawlConfig{
			MaxPages:          5,
			RequestDelay:      3 * time.Second,
			MaxAttempts:       3,
			BaseDelay:         10 * time.Second,
			CaptchaMultiplier: 3,
			JitterRatio:       0.35,
			RateLimitStatuses: []int{403, 429},
			CaptchaMarkers: []string{
				"captcha",
				"доступ ограничен",
				"подтвердите, что вы не робот",
				"verify you are human",
			},
			RateLimit: 0.5,
			RateBurst: 2,
		},
		Sources: DefaultSources(),
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = defaults.App.Timezone
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.JobTimeout == 0 {
		cfg.App.JobTimeout = defaults.App.JobTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == defaults.Database.Driver {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Browser.Engine == "" {
		cfg.Browser.Engine = defaults.Browser.Engine
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Browser.ManualWait == 0 {
		cfg.Browser.ManualWait = defaults.Browser.ManualWait
	}
	if cfg.Crawl.MaxPages == 0 {
		cfg.Crawl.MaxPages = defaults.Crawl.MaxPages
	}
	if cfg.Crawl.RequestDelay == 0 {
		cfg.Crawl.RequestDelay = defaults.Crawl.RequestDelay
	}
	if cfg.Crawl.MaxAttempts == 0 {
		cfg.Crawl.MaxAttempts = defaults.Crawl.MaxAttempts
	}
	if cfg.Crawl.BaseDelay == 0 {
		cfg.Crawl.BaseDelay = defaults.Crawl.BaseDelay
	}
	if cfg.Crawl.CaptchaMultiplier == 0 {
		cfg.Crawl.CaptchaMultiplier = defaults.Crawl.CaptchaMultiplier
	}
	if cfg.Crawl.JitterRatio < 0 {
		cfg.Crawl.JitterRatio = defaults.Crawl.JitterRatio
	}
	if len(cfg.Crawl.RateLimitStatuses) == 0 {
		cfg.Crawl.RateLimitStatuses = defaults.Crawl.RateLimitStatuses
	}
	if len(cfg.Crawl.CaptchaMarkers) == 0 {
		cfg.Crawl.CaptchaMarkers = defaults.Crawl.CaptchaMarkers
	}
	if cfg.Crawl.RateBurst == 0 {
		cfg.Crawl.RateBurst = defaults.Crawl.RateBurst
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = defaults.Sources
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].PageParam == "" {
			cfg.Sources[i].PageParam = "page"
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")
	_ = viper.BindEnv("sources_file", "SOURCES_FILE")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_TIMEZONE"); v != "" {
		cfg.App.Timezone = v
	}
	if v := os.Getenv("APP_ENABLE_REDIS_QUEUE"); v != "" {
		cfg.App.EnableRedisQueue = v == "true" || v == "1"
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.DedupWindow = d
		}
	}
	if v := os.Getenv("APP_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.JobTimeout = d
		}
	}
	if v := os.Getenv("APP_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScheduleInterval = d
		}
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "mysql" && (hasAnyEnv("DB_PORT", "DB_USER", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			parsed.Addr = v + ":" + getenvDefault("DB_PORT", parsed.Addr, "3306")
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_ENGINE"); v != "" {
		cfg.Browser.Engine = strings.ToLower(v)
	}
	if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Browser.PageTimeout = d
		}
	}
	if v := os.Getenv("BROWSER_MANUAL_INTERVENTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.ManualIntervention = b
		}
	}
	if v := os.Getenv("BROWSER_MANUAL_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Browser.ManualWait = d
		}
	}

	if v := os.Getenv("CRAWL_MAX_PAGES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Crawl.MaxPages = i
		}
	}
	if v := os.Getenv("CRAWL_REQUEST_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.RequestDelay = d
		}
	}
	if v := os.Getenv("CRAWL_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Crawl.MaxAttempts = i
		}
	}
	if v := os.Getenv("CRAWL_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.BaseDelay = d
		}
	}
	if v := os.Getenv("CRAWL_JITTER_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Crawl.JitterRatio = f
		}
	}
	if v := os.Getenv("CRAWL_RATE_LIMIT_STATUSES"); v != "" {
		if statuses := parseIntList(v); len(statuses) > 0 {
			cfg.Crawl.RateLimitStatuses = statuses
		}
	}
	if v := os.Getenv("CRAWL_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Crawl.RateLimit = f
		}
	}

	if v := viper.GetString("sources_file"); v != "" {
		cfg.SourcesFile = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if _, port, ok := strings.Cut(fallbackAddr, ":"); ok && port != "" {
		return port
	}
	return defaultValue
}

func parseIntList(v string) []int {
	var out []int
	for _, part := range strings.Split(v, ",") {
		if i, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, i)
		}
	}
	return out
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn != "" {
		if parsed, err := mysql.ParseDSN(dsn); err == nil {
			return parsed
		}
	}
	fallback := mysql.NewConfig()
	fallback.User = "root"
	fallback.Net = "tcp"
	fallback.Addr = "localhost:3306"
	fallback.DBName = "listings"
	fallback.ParseTime = true
	fallback.Params = map[string]string{"charset": "utf8mb4"}
	return fallback
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		DedupWindow      string `json:"dedup_window"`
		JobTimeout       string `json:"job_timeout"`
		ScheduleInterval string `json:"schedule_interval"`
		ScheduleLookback string `json:"schedule_lookback"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"dedup_window":      {aux.DedupWindow, &a.DedupWindow},
		"job_timeout":       {aux.JobTimeout, &a.JobTimeout},
		"schedule_interval": {aux.ScheduleInterval, &a.ScheduleInterval},
		"schedule_lookback": {aux.ScheduleLookback, &a.ScheduleLookback},
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout string `json:"page_timeout"`
		ManualWait  string `json:"manual_wait"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"page_timeout": {aux.PageTimeout, &b.PageTimeout},
		"manual_wait":  {aux.ManualWait, &b.ManualWait},
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (c *CrawlConfig) UnmarshalJSON(data []byte) error {
	type Alias CrawlConfig
	aux := &struct {
		RequestDelay string `json:"request_delay"`
		BaseDelay    string `json:"base_delay"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"request_delay": {aux.RequestDelay, &c.RequestDelay},
		"base_delay":    {aux.BaseDelay, &c.BaseDelay},
	})
}

type durationField struct {
	raw string
	dst *time.Duration
}

func parseDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*f.dst = d
	}
	return nil
}

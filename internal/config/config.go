package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App       AppConfig      `json:"app"`
	Redis     RedisConfig    `json:"redis"`
	Browser   BrowserConfig  `json:"browser"`
	Crawl     CrawlConfig    `json:"crawl"`
	Selectors SelectorConfig `json:"selectors"`
	Geocode   GeocodeConfig  `json:"geocode"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env         string `json:"env"`          // 运行环境: local / prod
	LogLevel    string `json:"log_level"`    // 日志级别: debug / info / warn / error
	RunName     string `json:"run_name"`     // 输出文件名前缀
	SeedDir     string `json:"seed_dir"`     // 种子 URL 目录（每个 .txt 文件是一个 segment）
	OutputDir   string `json:"output_dir"`   // JSONL 输出目录
	Timezone    string `json:"timezone"`     // fecha_extraccion 使用的时区
	MetricsAddr string `json:"metrics_addr"` // Prometheus 监听地址，为空则不启动
	Institution string `json:"institution"`  // institucion_nombre
	Category    string `json:"category"`     // categoria_fuente
}

// RedisConfig Redis 配置，关闭时去重与限流退化为进程内实现。
type RedisConfig struct {
	Enabled  bool          `json:"enabled"`
	Addr     string        `json:"addr"`      // Redis 地址 (host:port)
	Password string        `json:"password"`  // Redis 密码
	DedupTTL time.Duration `json:"dedup_ttl"` // 去重键的保留时间（键按运行隔离）
	Stream   string        `json:"stream"`    // 记录发布的 Stream 名称，为空则不发布
}

// BrowserConfig 渲染浏览器配置。
type BrowserConfig struct {
	BinPath       string        `json:"bin_path"`       // 浏览器可执行文件路径
	ProxyURL      string        `json:"proxy_url"`      // 代理服务器 URL
	Headless      bool          `json:"headless"`       // 是否使用无头模式
	PageTimeout   time.Duration `json:"page_timeout"`   // 单页总超时
	ReadySelector string        `json:"ready_selector"` // 内容就绪标记
	ReadyTimeout  time.Duration `json:"ready_timeout"`  // 等待标记的超时
	ScrollPause   time.Duration `json:"scroll_pause"`   // 滚动到底部后的停顿
}

// CrawlConfig 调度与身份轮换配置。
type CrawlConfig struct {
	UserAgents          []string      `json:"user_agents"`
	DefaultUserAgent    string        `json:"default_user_agent"`
	AcceptLanguage      string        `json:"accept_language"`
	ConcurrentRequests  int           `json:"concurrent_requests"`   // 全局并发上限
	ConcurrentPerOrigin int           `json:"concurrent_per_origin"` // 单站点并发上限
	DownloadDelay       time.Duration `json:"download_delay"`        // 同站点两次请求的基础间隔
	RandomizeDelay      bool          `json:"randomize_delay"`       // 间隔乘以 [0.5, 1.5] 随机系数
	RenderHosts         []string      `json:"render_hosts"`          // 需要浏览器渲染的域名（后缀匹配）
	BlockStatuses       []int         `json:"block_statuses"`        // 触发换身份重试的状态码
	RetryDelayMin       time.Duration `json:"retry_delay_min"`
	RetryDelayMax       time.Duration `json:"retry_delay_max"`
	MaxRetries          int           `json:"max_retries"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	RateLimit           float64       `json:"rate_limit"` // Redis 令牌桶速率（token/s），仅 redis.enabled 时生效
	RateBurst           float64       `json:"rate_burst"` // Redis 令牌桶容量
}

// SelectorConfig 列表页与详情页的 CSS 选择器。
type SelectorConfig struct {
	Card           string `json:"card"`
	Brand          string `json:"brand"`
	Discount       string `json:"discount"`
	ShortValidity  string `json:"short_validity"`
	DetailLink     string `json:"detail_link"`
	CardRedeemLink string `json:"card_redeem_link"`
	LongValidity   string `json:"long_validity"`
	Location       string `json:"location"`
	RedeemLink     string `json:"redeem_link"`
}

// GeocodeConfig 地理编码配置（Nominatim）。
type GeocodeConfig struct {
	Enabled       bool          `json:"enabled"`
	Endpoint      string        `json:"endpoint"`
	Region        string        `json:"region"`
	Timeout       time.Duration `json:"timeout"`
	UserAgent     string        `json:"user_agent"`
	RateLimit     float64       `json:"rate_limit"` // 请求/秒
	CacheSize     int           `json:"cache_size"`
	CacheTTL      time.Duration `json:"cache_ttl"`
	UnknownValues []string      `json:"unknown_values"` // 视为"无地点"的取值
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 加载顺序：文件 -> 默认值补全 -> 环境变量覆盖。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		// 即使没有配置文件，也允许环境变量覆盖默认值
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Default 返回默认配置的副本。
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:         "local",
			LogLevel:    "info",
			RunName:     "bancochile",
			SeedDir:     "seeds/banco_chile",
			OutputDir:   "output",
			Timezone:    "America/Santiago",
			MetricsAddr: "",
			Institution: "Banco de Chile",
			Category:    "Promo General",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DedupTTL: time.Hour,
			Stream:   "",
		},
		Browser: BrowserConfig{
			BinPath:       "",
			ProxyURL:      "",
			Headless:      true,
			PageTimeout:   60 * time.Second,
			ReadySelector: "div.group-hover",
			ReadyTimeout:  5 * time.Second,
			ScrollPause:   time.Second,
		},
		Crawl: CrawlConfig{
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
				"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			},
			DefaultUserAgent:    "promohunter/1.0",
			AcceptLanguage:      "es-CL,es;q=0.9",
			ConcurrentRequests:  16,
			ConcurrentPerOrigin: 1,
			DownloadDelay:       2500 * time.Millisecond,
			RandomizeDelay:      true,
			RenderHosts:         []string{"bancochile.cl"},
			BlockStatuses:       []int{403, 429},
			RetryDelayMin:       5 * time.Second,
			RetryDelayMax:       10 * time.Second,
			MaxRetries:          3,
			RequestTimeout:      90 * time.Second,
			RateLimit:           1,
			RateBurst:           2,
		},
		Selectors: SelectorConfig{
			Card:           "div.promocion-card",
			Brand:          "h2",
			Discount:       "span.descuento",
			ShortValidity:  "p.vigencia-corta",
			DetailLink:     "a.btn-detalle",
			CardRedeemLink: "",
			LongValidity:   "div.vigencia-larga",
			Location:       "span.direccion",
			RedeemLink:     "a.btn-canje",
		},
		Geocode: GeocodeConfig{
			Enabled:       true,
			Endpoint:      "https://nominatim.openstreetmap.org/search",
			Region:        "Chile",
			Timeout:       5 * time.Second,
			UserAgent:     "promohunter_geocoder",
			RateLimit:     1,
			CacheSize:     1024,
			CacheTTL:      24 * time.Hour,
			UnknownValues: []string{"N/A"},
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
//
// 布尔开关（redis.enabled / browser.headless / crawl.randomize_delay / geocode.enabled）
// 以文件中的取值为准，不做补全。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	setString(&cfg.App.Env, defaults.App.Env)
	setString(&cfg.App.LogLevel, defaults.App.LogLevel)
	setString(&cfg.App.RunName, defaults.App.RunName)
	setString(&cfg.App.SeedDir, defaults.App.SeedDir)
	setString(&cfg.App.OutputDir, defaults.App.OutputDir)
	setString(&cfg.App.Timezone, defaults.App.Timezone)
	setString(&cfg.App.Institution, defaults.App.Institution)
	setString(&cfg.App.Category, defaults.App.Category)

	setString(&cfg.Redis.Addr, defaults.Redis.Addr)
	setDuration(&cfg.Redis.DedupTTL, defaults.Redis.DedupTTL)

	setDuration(&cfg.Browser.PageTimeout, defaults.Browser.PageTimeout)
	setString(&cfg.Browser.ReadySelector, defaults.Browser.ReadySelector)
	setDuration(&cfg.Browser.ReadyTimeout, defaults.Browser.ReadyTimeout)
	setDuration(&cfg.Browser.ScrollPause, defaults.Browser.ScrollPause)

	if cfg.Crawl.UserAgents == nil {
		cfg.Crawl.UserAgents = defaults.Crawl.UserAgents
	}
	setString(&cfg.Crawl.DefaultUserAgent, defaults.Crawl.DefaultUserAgent)
	setString(&cfg.Crawl.AcceptLanguage, defaults.Crawl.AcceptLanguage)
	setInt(&cfg.Crawl.ConcurrentRequests, defaults.Crawl.ConcurrentRequests)
	setInt(&cfg.Crawl.ConcurrentPerOrigin, defaults.Crawl.ConcurrentPerOrigin)
	setDuration(&cfg.Crawl.DownloadDelay, defaults.Crawl.DownloadDelay)
	if cfg.Crawl.RenderHosts == nil {
		cfg.Crawl.RenderHosts = defaults.Crawl.RenderHosts
	}
	if len(cfg.Crawl.BlockStatuses) == 0 {
		cfg.Crawl.BlockStatuses = defaults.Crawl.BlockStatuses
	}
	setDuration(&cfg.Crawl.RetryDelayMin, defaults.Crawl.RetryDelayMin)
	setDuration(&cfg.Crawl.RetryDelayMax, defaults.Crawl.RetryDelayMax)
	if cfg.Crawl.RetryDelayMax < cfg.Crawl.RetryDelayMin {
		cfg.Crawl.RetryDelayMax = cfg.Crawl.RetryDelayMin
	}
	setInt(&cfg.Crawl.MaxRetries, defaults.Crawl.MaxRetries)
	setDuration(&cfg.Crawl.RequestTimeout, defaults.Crawl.RequestTimeout)
	if cfg.Crawl.RateLimit == 0 {
		cfg.Crawl.RateLimit = defaults.Crawl.RateLimit
	}
	if cfg.Crawl.RateBurst == 0 {
		cfg.Crawl.RateBurst = defaults.Crawl.RateBurst
	}

	setString(&cfg.Selectors.Card, defaults.Selectors.Card)
	setString(&cfg.Selectors.Brand, defaults.Selectors.Brand)
	setString(&cfg.Selectors.Discount, defaults.Selectors.Discount)
	setString(&cfg.Selectors.ShortValidity, defaults.Selectors.ShortValidity)
	setString(&cfg.Selectors.DetailLink, defaults.Selectors.DetailLink)
	setString(&cfg.Selectors.LongValidity, defaults.Selectors.LongValidity)
	setString(&cfg.Selectors.Location, defaults.Selectors.Location)
	setString(&cfg.Selectors.RedeemLink, defaults.Selectors.RedeemLink)

	setString(&cfg.Geocode.Endpoint, defaults.Geocode.Endpoint)
	setString(&cfg.Geocode.Region, defaults.Geocode.Region)
	setDuration(&cfg.Geocode.Timeout, defaults.Geocode.Timeout)
	setString(&cfg.Geocode.UserAgent, defaults.Geocode.UserAgent)
	if cfg.Geocode.RateLimit == 0 {
		cfg.Geocode.RateLimit = defaults.Geocode.RateLimit
	}
	setInt(&cfg.Geocode.CacheSize, defaults.Geocode.CacheSize)
	setDuration(&cfg.Geocode.CacheTTL, defaults.Geocode.CacheTTL)
	if cfg.Geocode.UnknownValues == nil {
		cfg.Geocode.UnknownValues = defaults.Geocode.UnknownValues
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")
	_ = viper.BindEnv("seed_dir", "SEED_DIR")
	_ = viper.BindEnv("output_dir", "OUTPUT_DIR")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_RUN_NAME"); v != "" {
		cfg.App.RunName = v
	}
	if v := viper.GetString("seed_dir"); v != "" {
		cfg.App.SeedDir = v
	}
	if v := viper.GetString("output_dir"); v != "" {
		cfg.App.OutputDir = v
	}
	if v := os.Getenv("APP_TIMEZONE"); v != "" {
		cfg.App.Timezone = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true" || v == "1"
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_STREAM"); v != "" {
		cfg.Redis.Stream = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("CRAWL_CONCURRENT_REQUESTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Crawl.ConcurrentRequests = i
		}
	}
	if v := os.Getenv("CRAWL_DOWNLOAD_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.DownloadDelay = d
		}
	}
	if v := os.Getenv("CRAWL_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.Crawl.MaxRetries = i
		}
	}
	if v := os.Getenv("CRAWL_USER_AGENTS"); v != "" {
		cfg.Crawl.UserAgents = splitList(v, "|")
	}
	if v := os.Getenv("CRAWL_RENDER_HOSTS"); v != "" {
		cfg.Crawl.RenderHosts = splitList(v, ",")
	}

	if v := os.Getenv("GEOCODE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Geocode.Enabled = b
		}
	}
	if v := os.Getenv("GEOCODE_ENDPOINT"); v != "" {
		cfg.Geocode.Endpoint = v
	}
}

func splitList(v, sep string) []string {
	parts := strings.Split(v, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration 解析 JSON 中的时长字符串，空字符串保持原值。
func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", field, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (r *RedisConfig) UnmarshalJSON(data []byte) error {
	type Alias RedisConfig
	aux := &struct {
		DedupTTL string `json:"dedup_ttl"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("dedup_ttl", aux.DedupTTL, &r.DedupTTL)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (r RedisConfig) MarshalJSON() ([]byte, error) {
	type Alias RedisConfig
	return json.Marshal(&struct {
		DedupTTL string `json:"dedup_ttl"`
		*Alias
	}{
		DedupTTL: r.DedupTTL.String(),
		Alias:    (*Alias)(&r),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout  string `json:"page_timeout"`
		ReadyTimeout string `json:"ready_timeout"`
		ScrollPause  string `json:"scroll_pause"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("page_timeout", aux.PageTimeout, &b.PageTimeout); err != nil {
		return err
	}
	if err := parseDuration("ready_timeout", aux.ReadyTimeout, &b.ReadyTimeout); err != nil {
		return err
	}
	return parseDuration("scroll_pause", aux.ScrollPause, &b.ScrollPause)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (b BrowserConfig) MarshalJSON() ([]byte, error) {
	type Alias BrowserConfig
	return json.Marshal(&struct {
		PageTimeout  string `json:"page_timeout"`
		ReadyTimeout string `json:"ready_timeout"`
		ScrollPause  string `json:"scroll_pause"`
		*Alias
	}{
		PageTimeout:  b.PageTimeout.String(),
		ReadyTimeout: b.ReadyTimeout.String(),
		ScrollPause:  b.ScrollPause.String(),
		Alias:        (*Alias)(&b),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (c *CrawlConfig) UnmarshalJSON(data []byte) error {
	type Alias CrawlConfig
	aux := &struct {
		DownloadDelay  string `json:"download_delay"`
		RetryDelayMin  string `json:"retry_delay_min"`
		RetryDelayMax  string `json:"retry_delay_max"`
		RequestTimeout string `json:"request_timeout"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("download_delay", aux.DownloadDelay, &c.DownloadDelay); err != nil {
		return err
	}
	if err := parseDuration("retry_delay_min", aux.RetryDelayMin, &c.RetryDelayMin); err != nil {
		return err
	}
	if err := parseDuration("retry_delay_max", aux.RetryDelayMax, &c.RetryDelayMax); err != nil {
		return err
	}
	return parseDuration("request_timeout", aux.RequestTimeout, &c.RequestTimeout)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (c CrawlConfig) MarshalJSON() ([]byte, error) {
	type Alias CrawlConfig
	return json.Marshal(&struct {
		DownloadDelay  string `json:"download_delay"`
		RetryDelayMin  string `json:"retry_delay_min"`
		RetryDelayMax  string `json:"retry_delay_max"`
		RequestTimeout string `json:"request_timeout"`
		*Alias
	}{
		DownloadDelay:  c.DownloadDelay.String(),
		RetryDelayMin:  c.RetryDelayMin.String(),
		RetryDelayMax:  c.RetryDelayMax.String(),
		RequestTimeout: c.RequestTimeout.String(),
		Alias:          (*Alias)(&c),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (g *GeocodeConfig) UnmarshalJSON(data []byte) error {
	type Alias GeocodeConfig
	aux := &struct {
		Timeout  string `json:"timeout"`
		CacheTTL string `json:"cache_ttl"`
		*Alias
	}{
		Alias: (*Alias)(g),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("timeout", aux.Timeout, &g.Timeout); err != nil {
		return err
	}
	return parseDuration("cache_ttl", aux.CacheTTL, &g.CacheTTL)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (g GeocodeConfig) MarshalJSON() ([]byte, error) {
	type Alias GeocodeConfig
	return json.Marshal(&struct {
		Timeout  string `json:"timeout"`
		CacheTTL string `json:"cache_ttl"`
		*Alias
	}{
		Timeout:  g.Timeout.String(),
		CacheTTL: g.CacheTTL.String(),
		Alias:    (*Alias)(&g),
	})
}

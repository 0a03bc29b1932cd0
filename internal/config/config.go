// Package config は環境変数と任意の.envファイルから設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hitoshi/photogate/internal/model"
)

// DotEnvFile はローカル開発用に読み込む.envファイルのパス。
const DotEnvFile = ".env"

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	StorageBucket      string
	UpstreamTimeout    time.Duration

	// Token
	JWTSecret     string
	JWTExpiration time.Duration

	// Upload / Delete
	UploadMaxBytes   int64
	PhotoDeleteRoles []string

	// Rate Limit（req/min）
	RateLimitLogin   int
	RateLimitGeneral int
	RateLimitUpload  int

	// Server
	ServerPort        string
	MetricsPort       string
	CORSAllowedOrigin string
	TrustedProxies    []netip.Prefix

	// Logging
	LogLevel string
}

var requiredKeys = []string{
	"SUPABASE_URL",
	"SUPABASE_ANON_KEY",
	"SUPABASE_SERVICE_KEY",
	"JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORAGE_BUCKET", "wedding-photos")
	v.SetDefault("UPSTREAM_TIMEOUT", "15s")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("UPLOAD_MAX_BYTES", "20971520")
	v.SetDefault("PHOTO_DELETE_ROLES", "admin")
	v.SetDefault("RATE_LIMIT_LOGIN", "10")
	v.SetDefault("RATE_LIMIT_GENERAL", "120")
	v.SetDefault("RATE_LIMIT_UPLOAD", "30")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("LOG_LEVEL", "info")
}

// Load は環境変数（と存在すれば.envファイル）からConfigを読み込む。
// 必須キーの欠落や不正な値はまとめて1つのエラーとして返し、model.ErrConfigでラップする。
func Load() (*Config, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	// JWT_EXPIRATION_MSは既定値を持たないため明示的にバインドする
	_ = v.BindEnv("JWT_EXPIRATION_MS")

	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: required environment variables are not set: %v", model.ErrConfig, missing)
	}

	p := &parser{v: v}
	cfg := &Config{
		SupabaseURL:        strings.TrimRight(v.GetString("SUPABASE_URL"), "/"),
		SupabaseAnonKey:    v.GetString("SUPABASE_ANON_KEY"),
		SupabaseServiceKey: v.GetString("SUPABASE_SERVICE_KEY"),
		StorageBucket:      v.GetString("STORAGE_BUCKET"),
		UpstreamTimeout:    p.duration("UPSTREAM_TIMEOUT"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		JWTExpiration:      p.jwtExpiration(),
		UploadMaxBytes:     p.int64Value("UPLOAD_MAX_BYTES"),
		PhotoDeleteRoles:   splitList(v.GetString("PHOTO_DELETE_ROLES")),
		RateLimitLogin:     p.intValue("RATE_LIMIT_LOGIN"),
		RateLimitGeneral:   p.intValue("RATE_LIMIT_GENERAL"),
		RateLimitUpload:    p.intValue("RATE_LIMIT_UPLOAD"),
		ServerPort:         v.GetString("SERVER_PORT"),
		MetricsPort:        v.GetString("METRICS_PORT"),
		CORSAllowedOrigin:  v.GetString("CORS_ALLOWED_ORIGIN"),
		TrustedProxies:     p.prefixes("TRUSTED_PROXIES"),
		LogLevel:           v.GetString("LOG_LEVEL"),
	}

	if len(cfg.PhotoDeleteRoles) == 0 {
		p.invalid = append(p.invalid, "PHOTO_DELETE_ROLES")
	}
	if len(p.invalid) > 0 {
		return nil, fmt.Errorf("%w: invalid environment variables: %v", model.ErrConfig, p.invalid)
	}

	return cfg, nil
}

// loadDotEnv はpathのファイルが存在すれば環境変数として読み込む。
// 既に設定済みの環境変数は上書きしない。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: failed to load %s: %w", model.ErrConfig, path, err)
	}
	return nil
}

// parser はviperの文字列値を型変換し、不正なキーを記録する。
// 正の値のみを有効とする。
type parser struct {
	v       *viper.Viper
	invalid []string
}

func (p *parser) duration(key string) time.Duration {
	d, err := time.ParseDuration(p.v.GetString(key))
	if err != nil || d <= 0 {
		p.invalid = append(p.invalid, key)
		return 0
	}
	return d
}

func (p *parser) int64Value(key string) int64 {
	n, err := strconv.ParseInt(p.v.GetString(key), 10, 64)
	if err != nil || n <= 0 {
		p.invalid = append(p.invalid, key)
		return 0
	}
	return n
}

func (p *parser) intValue(key string) int {
	return int(p.int64Value(key))
}

// prefixes はカンマ区切りのCIDRまたは単一IPを読み込む。単一IPは/32（IPv6は/128）として扱う。
// 未設定なら空を返す。
func (p *parser) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, item := range splitList(p.v.GetString(key)) {
		prefix, err := parsePrefix(item)
		if err != nil {
			p.invalid = append(p.invalid, key)
			return nil
		}
		out = append(out, prefix)
	}
	return out
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// jwtExpiration はJWT_EXPIRATION_MS（ミリ秒）が設定されていればそれを優先し、
// なければJWT_EXPIRATION（Go duration形式）を使う。
func (p *parser) jwtExpiration() time.Duration {
	if p.v.GetString("JWT_EXPIRATION_MS") != "" {
		return time.Duration(p.int64Value("JWT_EXPIRATION_MS")) * time.Millisecond
	}
	return p.duration("JWT_EXPIRATION")
}

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

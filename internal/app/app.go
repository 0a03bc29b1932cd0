// Package app は設定の読み込みと依存関係のワイヤリングを行い、サーバーを起動する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/photogate/internal/auth"
	"github.com/hitoshi/photogate/internal/config"
	"github.com/hitoshi/photogate/internal/handler"
	"github.com/hitoshi/photogate/internal/logger"
	"github.com/hitoshi/photogate/internal/metrics"
	"github.com/hitoshi/photogate/internal/middleware"
	"github.com/hitoshi/photogate/internal/photo"
	"github.com/hitoshi/photogate/internal/supabase"
	"github.com/hitoshi/photogate/internal/token"
)

// shutdownTimeout はグレースフルシャットダウンで処理中リクエストを待つ上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込み、ログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	_, level := logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level.Set(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("metrics_port", cfg.MetricsPort),
		slog.String("supabase_url", cfg.SupabaseURL),
	)

	// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg)
}

// runServe はAPIサーバーとメトリクスサーバーを起動し、ctxがキャンセルされるまでブロックする。
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := NewServer(cfg, slog.Default())
	if err != nil {
		return err
	}

	apiLn, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen on API port: %w", err)
	}
	metricsLn, err := net.Listen("tcp", ":"+cfg.MetricsPort)
	if err != nil {
		apiLn.Close()
		return fmt.Errorf("failed to listen on metrics port: %w", err)
	}

	return srv.Serve(ctx, apiLn, metricsLn)
}

// Server はAPIサーバーとメトリクスサーバー、およびその寿命に紐づくリソースを保持する。
type Server struct {
	api         *http.Server
	metrics     *http.Server
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// NewServer は設定から全依存関係をワイヤリングしてServerを生成する。
// 署名鍵が不正な場合はmodel.ErrConfigをラップしたエラーを返す。
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// 1. トークンコーデック（署名鍵の検証を含む）
	codec, err := token.NewCodec(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 上流クライアント
	upstream := supabase.NewClient(
		&http.Client{Timeout: cfg.UpstreamTimeout},
		supabase.Config{
			BaseURL:    cfg.SupabaseURL,
			AnonKey:    cfg.SupabaseAnonKey,
			ServiceKey: cfg.SupabaseServiceKey,
			Bucket:     cfg.StorageBucket,
		},
		logger,
		collector,
	)

	// 4. ドメインサービス
	authService := auth.NewService(upstream, upstream, codec, collector, logger)
	photoService := photo.NewService(upstream, collector, logger)

	// 5. レート制限（req/min -> req/sec に変換）
	rateCfg := middleware.DefaultRateLimiterConfig()
	rateCfg.LoginRate, rateCfg.LoginBurst = middleware.PerMinute(cfg.RateLimitLogin)
	rateCfg.GeneralRate, rateCfg.GeneralBurst = middleware.PerMinute(cfg.RateLimitGeneral)
	rateCfg.UploadRate, rateCfg.UploadBurst = middleware.PerMinute(cfg.RateLimitUpload)
	rateLimiter := middleware.NewRateLimiter(rateCfg)

	// 6. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		TokenValidator:    codec,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustedProxies:    cfg.TrustedProxies,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		Logger:            logger,
		AuthService:       authService,
		PhotoService:      photoService,
		UploadMaxBytes:    cfg.UploadMaxBytes,
		DeleteRoles:       cfg.PhotoDeleteRoles,
	})

	// アップロードを考慮して書き込みタイムアウトは上流タイムアウトより長くとる
	writeTimeout := max(2*cfg.UpstreamTimeout+5*time.Second, 15*time.Second)

	return &Server{
		api: &http.Server{
			Addr:              ":" + cfg.ServerPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		metrics: &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.SetupMetricsRoute(registry),
			ReadHeaderTimeout: 5 * time.Second,
		},
		rateLimiter: rateLimiter,
		logger:      logger,
	}, nil
}

// Serve はAPIサーバーとメトリクスサーバーを指定リスナーで起動し、
// ctxがキャンセルされると両方をグレースフルシャットダウンする。
// どちらかのサーバーが異常終了した場合もシャットダウンしてそのエラーを返す。
func (s *Server) Serve(ctx context.Context, apiLn, metricsLn net.Listener) error {
	defer s.rateLimiter.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("API server starting", slog.String("addr", apiLn.Addr().String()))
		return serveHTTP(s.api, apiLn)
	})
	g.Go(func() error {
		s.logger.Info("metrics server starting", slog.String("addr", metricsLn.Addr().String()))
		return serveHTTP(s.metrics, metricsLn)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return errors.Join(
			s.api.Shutdown(shutdownCtx),
			s.metrics.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}

	s.logger.Info("servers stopped gracefully")
	return nil
}

// serveHTTP はShutdownによる正常終了をnilとして扱う。
func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// CareCover 治疗覆盖与分配引擎
// 主程序入口

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/paiban/carecover/internal/config"
	"github.com/paiban/carecover/internal/handler"
	"github.com/paiban/carecover/internal/middleware"
	"github.com/paiban/carecover/internal/repository"
	"github.com/paiban/carecover/pkg/dispatcher"
	"github.com/paiban/carecover/pkg/logger"
	"github.com/paiban/carecover/pkg/model"
)

// 构建信息（通过 ldflags 注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 全局命令行参数
var (
	configFile string
	seedFile   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "carecover",
		Short:        "治疗覆盖与分配引擎",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径（默认读取 .env）")
	rootCmd.PersistentFlags().StringVar(&seedFile, "seed", "", "内存存储的初始化数据（JSON）")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(continuityCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// setup 加载配置并初始化日志
func setup() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Format: cfg.App.LogFormat,
	})
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	a, err := buildApp(context.Background(), cfg, seedFile)
	if err != nil {
		return err
	}
	defer a.Close()

	var limiter *middleware.RateLimiter
	if cfg.App.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.App.RateLimitRPS)
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	e := handler.NewRouter(handler.RouterConfig{
		Service:     a.service,
		Detector:    a.detector,
		Engine:      a.engine,
		Workers:     cfg.Engine.Workers,
		Logger:      *logger.Get(),
		RateLimiter: limiter,
		MetricsPath: metricsPath,
		Build:       handler.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit},
		HealthCheck: a.healthCheck(),
	})

	port := strconv.Itoa(cfg.App.Port)
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      e,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", port).
			Str("version", Version).
			Str("env", cfg.App.Env).
			Str("url", fmt.Sprintf("http://localhost:%s", port)).
			Msg("服务器启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("服务器启动失败")
		return err
	case <-quit:
	}

	logger.Info().Msg("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("服务器关闭失败")
		return err
	}

	logger.Info().Msg("服务器已关闭")
	return nil
}

// healthCheck 按已装配的后端选择探活方式
func (a *app) healthCheck() func(ctx context.Context) error {
	switch {
	case a.db != nil:
		return a.db.Health
	case a.redis != nil:
		return func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	default:
		return nil
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建 PostgreSQL 数据表",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if cfg.App.StoreBackend != "postgres" {
				return fmt.Errorf("migrate 需要 STORE_BACKEND=postgres，当前为 %s", cfg.App.StoreBackend)
			}

			a, err := buildApp(cmd.Context(), cfg, "")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := repository.Migrate(cmd.Context(), a.db); err != nil {
				return err
			}
			logger.Info().Msg("数据库结构已就绪")
			return nil
		},
	}
}

// patientFlags 患者与日期范围参数
type patientFlags struct {
	patient string
	start   string
	end     string
}

func (f *patientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.patient, "patient", "", "患者ID")
	cmd.Flags().StringVar(&f.start, "start", "", "开始日期 (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "结束日期 (YYYY-MM-DD)，缺省与开始日期相同")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("start")
}

func (f *patientFlags) parse() (uuid.UUID, model.DateRange, error) {
	id, err := uuid.Parse(f.patient)
	if err != nil {
		return uuid.Nil, model.DateRange{}, fmt.Errorf("无效的患者ID %q: %w", f.patient, err)
	}
	end := f.end
	if end == "" {
		end = f.start
	}
	return id, model.DateRange{StartDate: f.start, EndDate: end}, nil
}

func resolveCmd() *cobra.Command {
	var (
		flags patientFlags
		opts  dispatcher.AssignOptions
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "自动解决患者在日期范围内的覆盖缺口",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, dates, err := flags.parse()
			if err != nil {
				return err
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, seedFile)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.service.ResolveGaps(cmd.Context(), patientID, dates, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&opts.AsSubstitute, "substitute", false, "以代班身份分配")
	cmd.Flags().BoolVar(&opts.SplitCoverage, "split", false, "允许部分覆盖缺口")
	cmd.Flags().IntVar(&opts.MaxAlternatives, "alternatives", 0, "返回的备选人数上限")
	return cmd
}

func continuityCmd() *cobra.Command {
	var flags patientFlags
	cmd := &cobra.Command{
		Use:   "continuity",
		Short: "计算患者在日期窗口内的护理连续性",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, dates, err := flags.parse()
			if err != nil {
				return err
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, seedFile)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.ContinuityReport(cmd.Context(), patientID, dates.StartDate, dates.EndDate)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	flags.register(cmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "CareCover 治疗覆盖引擎 v%s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build: %s (%s)\n", BuildTime, GitCommit)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/image-hub/internal/config"
	"github.com/any-hub/image-hub/internal/display"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/imagecache"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/metrics"
	"github.com/any-hub/image-hub/internal/server"
	"github.com/any-hub/image-hub/internal/version"
)

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := cacheFields(logging.BaseFields("check_config", opts.configPath), cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 日志 → 图片缓存 → Fiber server”顺序，
	// 所有请求共享同一个缓存实例，退出时按相反顺序释放。
	recorder := metrics.New()
	userAgent := cfg.Global.UserAgent
	if userAgent == "" {
		userAgent = "image-hub/" + version.Version
	}
	images, err := imagecache.New(imagecache.Options{
		Dir:         cfg.DiskPath(),
		DiskBytes:   cfg.Cache.DiskBytes,
		MemoryBytes: cfg.Cache.MemoryBytes,
		WeakEntries: cfg.Cache.WeakEntries,
		Concurrency: cfg.Cache.MaxConcurrentDownloads,
		Fetcher:     fetch.NewHTTPFetcher(fetch.NewClient(cfg.Global.UpstreamTimeout.DurationValue()), userAgent),
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化图片缓存失败: %v\n", err)
		return 1
	}

	fields := cacheFields(logging.BaseFields("startup", opts.configPath), cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := startHTTPServer(ctx, cfg, images, recorder, logger)
	if err := images.Close(); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("图片缓存关闭失败")
	}
	if serveErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", serveErr)
		return 1
	}
	return 0
}

func cacheFields(fields logrus.Fields, cfg *config.Config) logrus.Fields {
	fields["disk_path"] = cfg.DiskPath()
	fields["disk_bytes"] = cfg.Cache.DiskBytes
	fields["memory_bytes"] = cfg.Cache.MemoryBytes
	fields["weak_entries"] = cfg.Cache.WeakEntries
	fields["max_downloads"] = cfg.Cache.MaxConcurrentDownloads
	return fields
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("image-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMAGE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMAGE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 阻塞直到 ctx 结束（收到信号）或监听失败，随后优雅关闭 Fiber。
func startHTTPServer(ctx context.Context, cfg *config.Config, images *imagecache.Cache, recorder *metrics.Recorder, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:          logger,
		Cache:           images,
		Board:           display.NewBoard(),
		Metrics:         recorder,
		DeliveryTimeout: cfg.Cache.DeliveryTimeout.DurationValue(),
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

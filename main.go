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

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/backend"
	"github.com/site-cache/site-cache/internal/config"
	"github.com/site-cache/site-cache/internal/fetch"
	"github.com/site-cache/site-cache/internal/lifecycle"
	"github.com/site-cache/site-cache/internal/logging"
	"github.com/site-cache/site-cache/internal/proxy"
	"github.com/site-cache/site-cache/internal/server"
	"github.com/site-cache/site-cache/internal/server/routes"
	"github.com/site-cache/site-cache/internal/version"
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
		files, err := cfg.ResolveManifest()
		if err != nil {
			fmt.Fprintf(stdErr, "解析预缓存清单失败: %v\n", err)
			return 1
		}
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Site.Origin
		fields["backend"] = cfg.Global.StoreBackend
		fields["manifest"] = len(files)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Site.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["backend"] = cfg.Global.StoreBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 安装失败不影响服务：控制器保持上一缓存代（或直接透传），下次启动会重试。
	rt.start(ctx)

	if err := rt.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("site-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SITE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SITE_CACHE_CONFIG")
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

// siteRuntime 持有一次进程生命周期内共享的存储、控制器与 Fiber 应用。
type siteRuntime struct {
	logger     *logrus.Logger
	storage    cache.Storage
	controller *lifecycle.Controller
	app        *fiber.App
}

// newRuntime 按“存储后端 → 清单 → 控制器 → Fiber app”的顺序装配依赖。
func newRuntime(cfg *config.Config, logger *logrus.Logger) (*siteRuntime, error) {
	route, err := server.NewSiteRoute(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := server.NewUpstreamClient(cfg)
	fetcher := fetch.New(httpClient, route.OriginURL)

	storage, err := backend.Open(cfg.Global.StoreBackend, cfg.BackendOptions(fetcher))
	if err != nil {
		return nil, err
	}

	files, err := cfg.ResolveManifest()
	if err != nil {
		storage.Close()
		return nil, err
	}

	controller, err := lifecycle.NewController(lifecycle.Options{
		Config: lifecycle.Config{
			Generation:  route.Generation,
			Origin:      route.OriginURL,
			Manifest:    files,
			SkipWaiting: cfg.Site.SkipWaiting,
		},
		Storage:        storage,
		Fetcher:        fetcher,
		Logger:         logger,
		PersistTimeout: cfg.Global.PersistTimeout.DurationValue(),
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      route,
		Proxy:      proxy.NewHandler(controller, httpClient, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Lifecycle: controller,
		Storage:   storage,
		Backend:   cfg.Global.StoreBackend,
	})

	return &siteRuntime{
		logger:     logger,
		storage:    storage,
		controller: controller,
		app:        app,
	}, nil
}

// start 执行安装与激活；失败时只记录日志。
func (r *siteRuntime) start(ctx context.Context) {
	if err := r.controller.Start(ctx); err != nil {
		fields := logging.CacheFields("install", r.controller.Generation(), "")
		fields["serving"] = r.controller.Serving()
		r.logger.WithFields(fields).WithError(err).Warn("install_failed")
	}
}

func (r *siteRuntime) serve(ctx context.Context, port int) error {
	errCh := make(chan error, 1)
	go func() {
		r.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- r.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	r.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，停止服务")
	if err := r.app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// close 等待后台写回完成后释放存储。
func (r *siteRuntime) close() {
	r.controller.Wait()
	if err := r.storage.Close(); err != nil {
		r.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("storage_close_failed")
	}
}

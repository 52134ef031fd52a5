package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/bridge"
	"github.com/s6ptember/tasks-managment-system/internal/cache"
	"github.com/s6ptember/tasks-managment-system/internal/config"
	"github.com/s6ptember/tasks-managment-system/internal/controller"
	"github.com/s6ptember/tasks-managment-system/internal/logging"
	"github.com/s6ptember/tasks-managment-system/internal/notify"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
	"github.com/s6ptember/tasks-managment-system/internal/server"
	"github.com/s6ptember/tasks-managment-system/internal/syncqueue"
	"github.com/s6ptember/tasks-managment-system/internal/version"
	"github.com/s6ptember/tasks-managment-system/internal/worker"
)

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
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["precache"] = len(cfg.Worker.Precache)
		fields["static_version"] = cfg.Worker.StaticVersion
		fields["dynamic_version"] = cfg.Worker.DynamicVersion
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序固定：存储 → 同步队列 → 宿主运行时 → 拦截层 → 控制器 →
	// Fiber 服务，保证所有组件共享同一份缓存与队列实例。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	queue, err := syncqueue.Open(cfg.Worker.QueuePath)
	if err != nil {
		fmt.Fprintf(stdErr, "打开同步队列失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	center := notify.NewCenter(logger)
	bus := bridge.NewBus()

	rt := runtime.New(logger, runtime.Options{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})

	factory := func() (runtime.Worker, error) {
		return worker.New(worker.Options{
			Config:   cfg.Worker,
			Push:     cfg.Push,
			Client:   httpClient,
			Store:    store,
			Queue:    queue,
			Notifier: center,
			Logger:   logger,
		})
	}

	ctrl, err := controller.New(controller.Options{
		Runtime:        rt,
		Bus:            bus,
		Factory:        factory,
		Notifier:       center,
		Logger:         logger,
		UpdateInterval: cfg.Global.UpdateCheckInterval.DurationValue(),
		SyncTag:        cfg.Worker.SyncTag,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建注册控制器失败: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "首次注册失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["active_version"] = rt.ActiveVersion()
	fields["queue_pending"] = queue.Len()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, rt, bus, store, center, ctrl, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tasks-gateway", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TASKS_GATEWAY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TASKS_GATEWAY_CONFIG")
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

func startHTTPServer(
	cfg *config.Config,
	rt *runtime.Runtime,
	bus *bridge.Bus,
	store cache.Store,
	center *notify.Center,
	ctrl *controller.Controller,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Fetch:      activeFetchHandler{rt: rt},
		Runtime:    rt,
		Bus:        bus,
		Store:      store,
		Center:     center,
		Controller: ctrl,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// activeFetchHandler 把拦截面委托给当前激活的 worker 版本：升级完成后
// 新请求自动由新版本路由，在途请求仍由旧版本处理完毕。
type activeFetchHandler struct {
	rt *runtime.Runtime
}

func (h activeFetchHandler) HandleFetch(c fiber.Ctx) error {
	w := h.rt.Active()
	if w == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
	}
	fetch, ok := w.(server.FetchHandler)
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
	}
	return fetch.HandleFetch(c)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/appshell/appshell/internal/agent"
	"github.com/appshell/appshell/internal/cache"
	"github.com/appshell/appshell/internal/clients"
	"github.com/appshell/appshell/internal/config"
	"github.com/appshell/appshell/internal/env"
	"github.com/appshell/appshell/internal/intercept"
	"github.com/appshell/appshell/internal/logging"
	"github.com/appshell/appshell/internal/push"
	"github.com/appshell/appshell/internal/server"
	"github.com/appshell/appshell/internal/state"
	"github.com/appshell/appshell/internal/update"
	"github.com/appshell/appshell/internal/version"
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

	manifest, err := config.LoadManifest(cfg.Global.ManifestPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载预缓存清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["build"] = cfg.Global.BuildID
		fields["precache"] = len(manifest.Precache)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 缓存存储 → 持久状态 → 注册并激活当前构建 →
	// Fiber server”顺序；拦截必须等激活（旧版本清理）完成后才开始。
	fsStore, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	versionStore := cache.NewVersionStore(
		fsStore,
		cfg.Global.CachePrefix,
		cfg.Global.BuildID,
		cache.LogSink(logger),
	)

	stateStore := state.Open(cfg.Global.StatePath)
	defer stateStore.Close()

	caps := env.HostCapabilities{
		Host:       cfg.Global.PublicHost,
		Permission: env.PermissionGranted,
	}

	httpClient := server.NewUpstreamClient(cfg)
	registry := clients.NewRegistry()

	interceptor, err := intercept.NewHandler(httpClient, logger, versionStore, cfg.Global, caps)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化拦截器失败: %v\n", err)
		return 1
	}

	var coordinator *update.Coordinator
	supervisor := agent.NewSupervisor(agent.Options{
		State:  stateStore,
		Logger: logger,
		OnWaiting: func(buildID string) {
			coordinator.StageUpdate(buildID)
			coordinator.ShowPrompt()
		},
	})
	coordinator = update.NewCoordinator(update.Options{
		Registry:       registry,
		State:          stateStore,
		Logger:         logger,
		HandoffTimeout: cfg.Global.HandoffTimeout.DurationValue(),
		Purge: func(ctx context.Context, keepBuildID string) {
			versionStore.PurgeStale(ctx, keepBuildID)
		},
		SkipWaiting: func(ctx context.Context) error {
			if err := supervisor.SkipWaiting(ctx); err != nil {
				return err
			}
			coordinator.OnControlTransferred()
			return nil
		},
	})

	bridge := push.NewBridge(push.Options{
		Capabilities: caps,
		Registry:     registry,
		State:        stateStore,
		Notifier:     push.LogNotifier(logger),
		Opener:       registryOpener{registry: registry},
		Subscribe:    pushServiceSubscriber(httpClient, cfg.Push.ServiceURL),
		Prompt:       func(context.Context) env.PermissionState { return caps.PermissionState() },
		Logger:       logger,
		Cooldown:     cfg.Push.SubscribeCooldown.DurationValue(),
		Defaults: push.PayloadDefaults{
			Title:    cfg.Push.DefaultTitle,
			Icon:     cfg.Push.DefaultIcon,
			Badge:    cfg.Push.DefaultBadge,
			SiteRoot: config.RootDocument,
		},
	})

	if err := registerCurrentBuild(cfg, manifest, supervisor, versionStore, httpClient); err != nil {
		fmt.Fprintf(stdErr, "注册当前构建失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["build"] = cfg.Global.BuildID
	fields["cache"] = cfg.Global.CacheName()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["durable_state"] = stateStore.Durable()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, logger, server.AppOptions{
		Logger:      logger,
		Intercept:   interceptor.Handle,
		Supervisor:  supervisor,
		Coordinator: coordinator,
		Registry:    registry,
		Bridge:      bridge,
		State:       stateStore,
		BuildID:     cfg.Global.BuildID,
	}); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// registerCurrentBuild 以当前 BuildID 完成 install（预缓存清单）与
// activate（删除其余版本）。激活被 await：返回前旧版本已清理完毕。
func registerCurrentBuild(
	cfg *config.Config,
	manifest *config.Manifest,
	supervisor *agent.Supervisor,
	store *cache.VersionStore,
	client *http.Client,
) error {
	ctx := context.Background()
	fetch := upstreamFetcher(client, cfg.Global.Upstream)

	_, err := supervisor.Register(ctx, cfg.Global.BuildID, agent.Hooks{
		Install: func(ctx context.Context) error {
			store.Install(ctx, manifest.Precache, fetch)
			return nil
		},
		Activate: func(ctx context.Context) error {
			store.Activate(ctx)
			return nil
		},
	})
	return err
}

// upstreamFetcher 返回安装期使用的预缓存抓取函数。
func upstreamFetcher(client *http.Client, upstream string) cache.FetchFunc {
	return func(ctx context.Context, path string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream+path, http.NoBody)
		if err != nil {
			return nil, err
		}
		return client.Do(req)
	}
}

// pushServiceSubscriber 向配置的推送服务发起真实订阅。
func pushServiceSubscriber(client *http.Client, serviceURL string) push.SubscribeFunc {
	return func(ctx context.Context, userToken string) (*push.Subscription, error) {
		if serviceURL == "" {
			return nil, fmt.Errorf("推送服务未配置")
		}
		body, err := json.Marshal(map[string]string{"user_token": userToken})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, fmt.Errorf("订阅失败: status=%d", resp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return push.SubscriptionFromJSON(raw)
	}
}

// registryOpener 在没有可复用客户端时退化为广播导航帧：真正的开窗
// 动作由收到帧的前台执行。
type registryOpener struct {
	registry *clients.Registry
}

func (o registryOpener) OpenWindow(url string) {
	o.registry.Broadcast(clients.Message{Type: clients.TypeNavigate, URL: url})
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("appshell", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 APPSHELL_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("APPSHELL_CONFIG")
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

func startHTTPServer(cfg *config.Config, logger *logrus.Logger, opts server.AppOptions) error {
	app, err := server.NewApp(opts)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort))
}

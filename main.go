package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"github.com/utilitywarehouse/build-sync/giturl"
	"github.com/utilitywarehouse/build-sync/repopool"
	"github.com/utilitywarehouse/build-sync/repository"
	"gopkg.in/yaml.v3"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	gitExecutablePath = exec.Command("git").String()

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("BUILD_SYNC_CONFIG"),
			Value:   "/etc/build-sync/config.yaml",
			Usage:   "Absolute path to the config file.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
	}

	repoFlags = []cli.Flag{
		&cli.StringFlag{
			Name:     "remote",
			Usage:    "Remote URL of the repository as configured, any supported url syntax can be used.",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "branch",
			Usage: "Branch of the repository, defaults to the configured default branch.",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func main() {
	cmd := &cli.Command{
		Name:  "build-sync",
		Usage: "build-sync keeps local working trees of remote repositories and runs builds at requested revisions.",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "sync all working trees, build on GitHub push events and serve metrics",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "http-bind-address",
						Sources: cli.EnvVars("HTTP_BIND_ADDRESS"),
						Value:   ":9001",
						Usage:   "The address the web server binds to",
					},
					&cli.StringFlag{
						Name:    "github-webhook-path",
						Sources: cli.EnvVars("GITHUB_WEBHOOK_PATH"),
						Value:   "/github-webhook",
						Usage:   "Path on which GitHub push events are received",
					},
					&cli.StringFlag{
						Name:    "github-webhook-secret",
						Sources: cli.EnvVars("GITHUB_WEBHOOK_SECRET"),
						Usage:   "Secret used to validate signature of the GitHub webhook payload",
					},
					&cli.BoolFlag{
						Name:    "watch-config",
						Sources: cli.EnvVars("WATCH_CONFIG"),
						Value:   true,
						Usage:   "watch config for changes and reload when changes encountered",
					},
				},
				Action: serve,
			},
			{
				Name:  "build",
				Usage: "run the build command of a repository at given revision and print the result",
				Flags: append(repoFlags,
					&cli.StringFlag{
						Name:  "revision",
						Usage: "Revision to build, empty builds tip of the branch.",
					},
				),
				Action: build,
			},
			{
				Name:  "show",
				Usage: "print metadata of a commit from an existing working tree",
				Flags: append(repoFlags,
					&cli.StringFlag{
						Name:  "revision",
						Value: "HEAD",
						Usage: "Revision to inspect.",
					},
				),
				Action: show,
			},
			{
				Name:      "path",
				Usage:     "print working tree path of a remote",
				ArgsUsage: "<remote>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "root",
						Usage: "Absolute root of working trees, if set full working tree dir is printed.",
					},
					&cli.StringFlag{
						Name:  "branch",
						Value: defaultBranch,
						Usage: "Branch used in full working tree dir.",
					},
				},
				Action: resolvePath,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

func setLogLevel(c *cli.Command) {
	// set log level according to argument
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}
}

// gitENV returns envs for git commands, git runs with clean environment
func gitENV() []string {
	// path to resolve git helpers
	return []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
}

func newRepoPool(c *cli.Command) (*repopool.Config, *repopool.RepoPool, error) {
	conf, err := parseConfigFile(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse config file err:%w", err)
	}

	applyDefaults(conf)

	repoPool, err := repopool.New(*conf, logger.With("logger", "build-sync"), gitExecutablePath, gitENV())
	if err != nil {
		return nil, nil, fmt.Errorf("could not create repository pool err:%w", err)
	}

	return conf, repoPool, nil
}

func serve(ctx context.Context, c *cli.Command) error {
	setLogLevel(c)

	conf, repoPool, err := newRepoPool(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prometheus.MustRegister(configSuccess, configSuccessTime, buildCount, buildDuration)
	repository.EnableMetrics("", prometheus.DefaultRegisterer)

	reportOrphanedTrees(ctx, conf, repoPool, gitExecutablePath, gitENV())

	// builds are only accepted once all working trees are cloned
	if err := repoPool.SyncAll(ctx, conf.Defaults.SyncTimeout); err != nil {
		return fmt.Errorf("unable to sync repositories err:%w", err)
	}

	onChange := func(newConfig *repopool.Config) bool {
		return ensureConfig(repoPool, newConfig)
	}
	go WatchConfig(ctx, c.String("config"), c.Bool("watch-config"), 10*time.Second, onChange)

	builder := NewBuilder(repoPool, os.Environ(), logger.With("logger", "builder"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle(c.String("github-webhook-path"), &GithubWebhookHandler{
		ctx:     ctx,
		builder: builder,
		secret:  c.String("github-webhook-secret"),
		log:     logger.With("logger", "github-webhook"),
	})

	server := &http.Server{
		Addr:              c.String("http-bind-address"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting web server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("web server error", "err", err)
			os.Exit(1)
		}
	}()

	//listenForShutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")

	// stop in flight builds
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return server.Shutdown(shutdownCtx)
}

func build(ctx context.Context, c *cli.Command) error {
	setLogLevel(c)

	conf, repoPool, err := newRepoPool(c)
	if err != nil {
		return err
	}

	branch := c.String("branch")
	if branch == "" {
		branch = conf.Defaults.Branch
	}

	builder := NewBuilder(repoPool, os.Environ(), logger.With("logger", "builder"))

	result, err := builder.Build(ctx, c.String("remote"), branch, c.String("revision"))
	if err != nil {
		return err
	}

	if err := printYAML(result); err != nil {
		return err
	}

	if result.Status != BuildSuccess {
		return fmt.Errorf("build failed: %s", result.Error)
	}
	return nil
}

type showResult struct {
	Commit              string `yaml:"commit"`
	repository.Metadata `yaml:",inline"`
}

func show(ctx context.Context, c *cli.Command) error {
	setLogLevel(c)

	conf, repoPool, err := newRepoPool(c)
	if err != nil {
		return err
	}

	branch := c.String("branch")
	if branch == "" {
		branch = conf.Defaults.Branch
	}

	commit, err := repoPool.CommitMetadata(ctx, c.String("remote"), branch, c.String("revision"))
	if err != nil {
		return err
	}

	return printYAML(showResult{Commit: commit.Hash, Metadata: commit.Metadata()})
}

func resolvePath(_ context.Context, c *cli.Command) error {
	setLogLevel(c)

	remote := c.Args().First()
	if remote == "" {
		return fmt.Errorf("remote is required")
	}

	if c.String("root") == "" {
		path, err := giturl.WorkingTreePath(remote)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}

	dir, err := repository.DefaultDir(c.String("root"), remote, c.String("branch"))
	if err != nil {
		return err
	}
	fmt.Println(dir)
	return nil
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("unable to encode output err:%w", err)
	}
	return enc.Close()
}

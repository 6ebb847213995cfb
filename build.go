package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/build-sync/internal/utils"
	"github.com/utilitywarehouse/build-sync/repopool"
	"github.com/utilitywarehouse/build-sync/repository"
)

type BuildStatus string

const (
	BuildSuccess BuildStatus = "success"
	BuildFailed  BuildStatus = "failed"
)

var (
	buildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "build_count",
		Help: "Count of builds per repository and status",
	}, []string{"repo", "status"})

	buildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "build_duration_seconds",
		Help:    "Build command duration per repository",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"repo"})
)

// BuildResult is the outcome of a single build, it carries everything a
// build record needs.
type BuildResult struct {
	Remote    string              `yaml:"remote"`
	Branch    string              `yaml:"branch"`
	Revision  string              `yaml:"revision"`
	Commit    string              `yaml:"commit"`
	Metadata  repository.Metadata `yaml:"metadata"`
	Status    BuildStatus         `yaml:"status"`
	Output    string              `yaml:"output"`
	Error     string              `yaml:"error,omitempty"`
	StartedAt time.Time           `yaml:"started_at"`
	Duration  time.Duration       `yaml:"duration"`
}

// buildRunner is implemented by Builder, webhook uses it to trigger builds
type buildRunner interface {
	Build(ctx context.Context, remote, branch, revision string) (*BuildResult, error)
}

// Builder runs configured build command of a repository inside its working
// tree checked out at the requested revision.
type Builder struct {
	repoPool *repopool.RepoPool
	envs     []string
	log      *slog.Logger
}

func NewBuilder(repoPool *repopool.RepoPool, envs []string, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{repoPool: repoPool, envs: envs, log: log}
}

// Build syncs the working tree, checks out given revision and runs the build
// command. empty revision builds the tip of the branch.
// a failing build command is reported in the result with status 'failed',
// returned error is only for failures before the command was started.
func (b *Builder) Build(ctx context.Context, remote, branch, revision string) (*BuildResult, error) {
	conf, err := b.repoPool.Config(remote, branch)
	if err != nil {
		return nil, err
	}
	repo, err := b.repoPool.Repository(remote, branch)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{
		Remote:   repo.Remote(),
		Branch:   repo.Branch(),
		Revision: revision,
	}

	err = b.repoPool.RunAtRevision(ctx, remote, branch, revision, func(ctx context.Context, dir string) error {
		// working tree lock is held by the pool here so repo is used directly
		commit, err := repo.CommitMetadata(ctx, "HEAD")
		if err != nil {
			return fmt.Errorf("unable to read commit metadata err:%w", err)
		}
		result.Commit = commit.Hash
		result.Metadata = commit.Metadata()

		b.run(ctx, dir, conf, result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	buildCount.WithLabelValues(repo.Name(), string(result.Status)).Inc()
	buildDuration.WithLabelValues(repo.Name()).Observe(result.Duration.Seconds())

	gURL := repo.GitURL()
	b.log.Info("build finished", "repo", gURL.RepoName(), "branch", result.Branch,
		"commit", repository.ShortIdentifier(result.Commit), "status", result.Status, "duration", result.Duration)

	return result, nil
}

func (b *Builder) run(ctx context.Context, dir string, conf repopool.RepositoryConfig, result *BuildResult) {
	bCtx, cancel := context.WithTimeout(ctx, conf.BuildTimeout)
	defer cancel()

	b.log.Info("running build", "dir", dir, "cmd", strings.Join(conf.Command, " "))

	result.StartedAt = time.Now()
	out, err := utils.RunCommand(bCtx, b.log, b.envs, dir, conf.Command[0], conf.Command[1:]...)
	result.Duration = time.Since(result.StartedAt)

	if err == nil {
		result.Status = BuildSuccess
		result.Output = out
		return
	}

	result.Status = BuildFailed
	result.Error = err.Error()

	var cmdErr *utils.CommandError
	if errors.As(err, &cmdErr) {
		result.Output = joinOutput(cmdErr.Stdout, cmdErr.Stderr)
		result.Error = fmt.Sprintf("exit code %d: %v", cmdErr.ExitCode, cmdErr.Err)
	}
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	}
	return stdout + "\n" + stderr
}

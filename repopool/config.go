package repopool

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/utilitywarehouse/build-sync/repository"
)

// MinAllowedTimeout is the shortest sync or build timeout accepted in config
const MinAllowedTimeout = time.Second

// Config is the configuration to create repoPool
type Config struct {
	// default config for all the repositories if not set
	Defaults DefaultConfig `yaml:"defaults"`
	// List of repositories to build.
	Repositories []RepositoryConfig `yaml:"repositories"`
}

// DefaultConfig is the default config for repositories if not set at repo level
type DefaultConfig struct {
	// Root is the absolute path to the root dir where all working tree
	// directories will be created if dir is not specified in repo config
	Root string `yaml:"root"`

	// Branch is the branch working trees track if not set on repository
	Branch string `yaml:"branch"`

	// SyncTimeout represents the total time allowed for a single sync
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// BuildTimeout represents the total time allowed for a build command
	BuildTimeout time.Duration `yaml:"build_timeout"`

	// Command is the build command (argv) run inside the working tree
	Command []string `yaml:"command"`
}

// RepositoryConfig is the config of a single repository and its build
type RepositoryConfig struct {
	repository.Config `yaml:",inline"`

	// Command is the build command (argv) run inside the working tree
	Command []string `yaml:"command"`

	// BuildTimeout represents the total time allowed for a build command
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

// validateDefaults will verify default config
func (rpc *Config) validateDefaults() error {
	dc := rpc.Defaults

	var errs []error

	if dc.Root != "" {
		if !filepath.IsAbs(dc.Root) {
			errs = append(errs, fmt.Errorf("repository root '%s' must be absolute", dc.Root))
		}
	}

	if dc.SyncTimeout != 0 {
		if dc.SyncTimeout < MinAllowedTimeout {
			errs = append(errs, fmt.Errorf("provided sync timeout is too short (%s), must be > %s", dc.SyncTimeout, MinAllowedTimeout))
		}
	}

	if dc.BuildTimeout != 0 {
		if dc.BuildTimeout < MinAllowedTimeout {
			errs = append(errs, fmt.Errorf("provided build timeout is too short (%s), must be > %s", dc.BuildTimeout, MinAllowedTimeout))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}

	return nil
}

// applyDefaults will add given default config to repository config if where needed
func (rpc *Config) applyDefaults() {
	for i := range rpc.Repositories {
		repo := &rpc.Repositories[i]
		if repo.Root == "" {
			repo.Root = rpc.Defaults.Root
		}

		if repo.Branch == "" {
			repo.Branch = rpc.Defaults.Branch
		}

		if repo.BuildTimeout == 0 {
			repo.BuildTimeout = rpc.Defaults.BuildTimeout
		}

		if len(repo.Command) == 0 {
			repo.Command = slices.Clone(rpc.Defaults.Command)
		}
	}
}

// It is possible that same root is used for multiple repositories and
// a working tree dir can also be set explicitly, we need to make sure that
// working trees of different repositories don't overlap.
// validateDirPaths makes sures all working tree paths are different and
// no working tree is nested inside another one.
func (rpc *Config) validateDirPaths() error {
	var errs []error

	type dirRemote struct{ dir, remote string }
	var seen []dirRemote

	for _, repo := range rpc.Repositories {
		dir, err := WorkingTreeDir(repo.Config)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i := slices.IndexFunc(seen, func(s dirRemote) bool { return overlappingDirs(s.dir, dir) }); i >= 0 {
			errs = append(errs, fmt.Errorf("repositories with overlapping working tree path found remotes:%s,%s paths:%s,%s",
				seen[i].remote, repo.Remote, seen[i].dir, dir))
			continue
		}
		seen = append(seen, dirRemote{dir, repo.Remote})
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}

	return nil
}

// overlappingDirs returns true if given dirs are same or one is inside other
func overlappingDirs(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	sep := string(filepath.Separator)
	return a == b ||
		strings.HasPrefix(a, strings.TrimSuffix(b, sep)+sep) ||
		strings.HasPrefix(b, strings.TrimSuffix(a, sep)+sep)
}

// ValidateAndApplyDefaults will validate defaults, apply them and then
// validate working tree paths of all repositories
func (conf *Config) ValidateAndApplyDefaults() error {
	if err := conf.validateDefaults(); err != nil {
		return err
	}

	conf.applyDefaults()

	for _, repo := range conf.Repositories {
		if len(repo.Command) == 0 {
			return fmt.Errorf("build command is not set for repository %s", repo.Remote)
		}
	}

	if err := conf.validateDirPaths(); err != nil {
		return err
	}

	return nil
}

// WorkingTreeDir returns the working tree path repository config resolves to
func WorkingTreeDir(conf repository.Config) (string, error) {
	if conf.Dir != "" {
		return filepath.Clean(conf.Dir), nil
	}
	if conf.Root == "" {
		return "", fmt.Errorf("%w: either root or dir must be set for %s", repository.ErrInvalidConfig, conf.Remote)
	}
	return repository.DefaultDir(conf.Root, conf.Remote, conf.Branch)
}

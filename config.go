package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/build-sync/giturl"
	"github.com/utilitywarehouse/build-sync/repopool"
	"gopkg.in/yaml.v3"
)

const (
	defaultBranch       = "master"
	defaultSyncTimeout  = 2 * time.Minute
	defaultBuildTimeout = 30 * time.Minute
)

var (
	defaultRoot = path.Join(os.TempDir(), "build-sync")

	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "build_sync_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "build_sync_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
)

// WatchConfig polls the config file every interval and reloads if modified
func WatchConfig(ctx context.Context, path string, watchConfig bool, interval time.Duration, onChange func(*repopool.Config) bool) {
	var lastModTime time.Time
	var success bool

	for {
		lastModTime, success = loadConfig(path, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func loadConfig(path string, lastModTime time.Time, onChange func(*repopool.Config) bool) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("Error checking config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	logger.Info("reloading config file...")

	newConfig, err := parseConfigFile(path)
	if err != nil {
		logger.Error("failed to reload config", "err", err)
		return lastModTime, false
	}
	return modTime, onChange(newConfig)
}

// ensureConfig will do the diff between current repoPool state and new config
// and based on that diff it will add/remove repositories.
// working trees of removed repositories are left on disk.
func ensureConfig(repoPool *repopool.RepoPool, newConfig *repopool.Config) bool {
	success := true

	// add default values
	applyDefaults(newConfig)

	// validate and apply defaults to new config before compare
	if err := newConfig.ValidateAndApplyDefaults(); err != nil {
		logger.Error("failed to validate new config", "err", err)
		return false
	}

	newRepos, removedRepos := diffRepositories(repoPool, newConfig)

	// 1st remove then add in case changed repository uses same working tree
	for _, repo := range removedRepos {
		if err := repoPool.RemoveRepository(repo.Remote, repo.Branch); err != nil {
			logger.Error("failed to remove repository", "remote", repo.Remote, "branch", repo.Branch, "err", err)
			success = false
		}
	}
	for _, repo := range newRepos {
		if err := repoPool.AddRepository(repo); err != nil {
			logger.Error("failed to add new repository", "remote", repo.Remote, "branch", repo.Branch, "err", err)
			success = false
		}
	}

	return success
}

func applyDefaults(conf *repopool.Config) {
	if conf.Defaults.Root == "" {
		conf.Defaults.Root = defaultRoot
	}

	if conf.Defaults.Branch == "" {
		conf.Defaults.Branch = defaultBranch
	}

	if conf.Defaults.SyncTimeout == 0 {
		conf.Defaults.SyncTimeout = defaultSyncTimeout
	}

	if conf.Defaults.BuildTimeout == 0 {
		conf.Defaults.BuildTimeout = defaultBuildTimeout
	}
}

func parseConfigFile(path string) (*repopool.Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateConfig(yamlFile); err != nil {
		return nil, err
	}

	conf := &repopool.Config{}

	// unknown keys are rejected at all levels
	dec := yaml.NewDecoder(bytes.NewReader(yamlFile))
	dec.KnownFields(true)
	if err := dec.Decode(conf); err != nil {
		return nil, fmt.Errorf("unable to decode config err:%w", err)
	}

	return conf, nil
}

func validateConfig(yamlData []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// defaults and repositories sections are mandatory
	if _, ok := raw["defaults"]; !ok {
		return fmt.Errorf("defaults config section is missing")
	}

	if _, ok := raw["repositories"]; !ok {
		return fmt.Errorf("repositories config section is missing")
	}

	return nil
}

// diffRepositories will do the diff between current state and new config and
// return new repositories config and config of the repositories which are
// not found in new config. a repository with changed config is returned in both.
func diffRepositories(repoPool *repopool.RepoPool, newConfig *repopool.Config) (
	newRepos []repopool.RepositoryConfig,
	removedRepos []repopool.RepositoryConfig,
) {
	for _, newRepo := range newConfig.Repositories {
		current, err := repoPool.Config(newRepo.Remote, newRepo.Branch)
		switch {
		case errors.Is(err, repopool.ErrNotExist):
			newRepos = append(newRepos, newRepo)
		case err == nil && !reflect.DeepEqual(current, newRepo):
			removedRepos = append(removedRepos, current)
			newRepos = append(newRepos, newRepo)
		}
	}

	for _, currentRepo := range repoPool.Configs() {
		var found bool
		for _, newRepo := range newConfig.Repositories {
			if currentRepo.Branch != newRepo.Branch {
				continue
			}
			if same, _ := giturl.SameRawURL(currentRepo.Remote, newRepo.Remote); same {
				found = true
				break
			}
		}
		if !found {
			removedRepos = append(removedRepos, currentRepo)
		}
	}

	return
}

package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/utilitywarehouse/build-sync/internal/utils"
	"github.com/utilitywarehouse/build-sync/repopool"
)

// reportOrphanedTrees logs working trees under the default root which are no
// longer referenced in config. working trees may contain build artifacts
// so they are only reported, never deleted.
// this function should be called once on start, removal while app is running
// is logged by repoPool.
func reportOrphanedTrees(ctx context.Context, config *repopool.Config, repoPool *repopool.RepoPool, gitExec string, envs []string) []string {
	// if default root is not set trees might not be located in same dir
	if config.Defaults.Root == "" {
		return nil
	}

	root := filepath.Clean(config.Defaults.Root)
	repoDirs := repoPool.RepositoriesDirPath()

	var orphaned []string
	err := filepath.WalkDir(root, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if fullPath == root {
				return err
			}
			logger.Error("unable to read dir for orphaned trees", "path", fullPath, "err", err)
			return nil
		}
		if !d.IsDir() || fullPath == root {
			return nil
		}

		// working trees are never nested so there is nothing to find
		// inside git metadata or configured trees
		if d.Name() == ".git" || slices.Contains(repoDirs, fullPath) {
			return filepath.SkipDir
		}

		if _, err := os.Stat(filepath.Join(fullPath, ".git")); err != nil {
			return nil
		}

		// build-sync clones non-bare working trees, anything else in the
		// root is not ours
		ok, err := isWorkingTreeRoot(ctx, gitExec, envs, fullPath)
		if err != nil {
			logger.Error("unable to check if working tree", "path", fullPath, "err", err)
			return filepath.SkipDir
		}
		if !ok {
			return nil
		}

		logger.Warn("orphaned working tree found, it is not referenced by config", "path", fullPath)
		orphaned = append(orphaned, fullPath)
		return filepath.SkipDir
	})
	if err != nil {
		logger.Error("unable to read root dir for orphaned trees", "err", err)
		return nil
	}

	return orphaned
}

// isWorkingTreeRoot returns true if given dir is top level dir of a non-bare
// working tree
func isWorkingTreeRoot(ctx context.Context, gitExec string, envs []string, cwd string) (bool, error) {
	// err is expected here if dir is not a repository
	output, _ := runGitCommand(ctx, gitExec, envs, cwd, "rev-parse", "--is-inside-work-tree")
	if ok, _ := strconv.ParseBool(output); !ok {
		return false, nil
	}

	top, err := runGitCommand(ctx, gitExec, envs, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return false, err
	}

	// tree nested inside another repository is not a clone
	abs, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return false, err
	}
	return filepath.Clean(top) == abs, nil
}

// runGitCommand runs git command with given arguments on given CWD
func runGitCommand(ctx context.Context, gitExec string, envs []string, cwd string, args ...string) (string, error) {
	return utils.RunCommand(ctx, logger, envs, cwd, gitExec, args...)
}

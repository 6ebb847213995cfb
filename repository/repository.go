package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/utilitywarehouse/build-sync/giturl"
	"github.com/utilitywarehouse/build-sync/internal/utils"
)

// runner executes the command and returns its trimmed stdout.
// it has the same signature as utils.RunCommand so tests can replace it
type runner func(ctx context.Context, log *slog.Logger, envs []string, cwd string, command string, args ...string) (string, error)

// exit code of 'git symbolic-ref --quiet' when HEAD is detached and
// of 'git show-ref --verify --quiet' when ref is missing
const refMissingExitCode = 1

// Repository keeps a working tree of the given remote and branch in sync.
// Repository doesn't lock, callers must make sure only one operation is
// in flight for a working tree at any time (see repopool).
type Repository struct {
	gitURL *giturl.URL  // parsed remote git URL
	name   string       // unique name of remote and branch, used as metrics label
	remote string       // remote repo as passed to git
	branch string       // branch working tree tracks
	dir    string       // absolute path to the working tree
	cmd    string       // git exec path
	envs   []string     // envs which will be passed to git commands
	run    runner       // executes git commands
	log    *slog.Logger // logger with repository context
}

// New creates new repository from the given config.
// Remote repo will not be cloned until either Sync() or RunAtRevision() is called.
func New(conf Config, gitExec string, envs []string, log *slog.Logger) (*Repository, error) {
	dir, err := conf.validate()
	if err != nil {
		return nil, err
	}

	remote := strings.TrimSpace(conf.Remote)
	gURL, err := giturl.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if gitExec == "" {
		gitExec = exec.Command("git").String()
	}

	if log == nil {
		log = slog.Default()
	}

	return &Repository{
		gitURL: gURL,
		name:   filepath.ToSlash(filepath.Join(gURL.WorkingTreePath(), branchDir(conf.Branch))),
		remote: remote,
		branch: conf.Branch,
		dir:    dir,
		cmd:    gitExec,
		envs:   envs,
		run:    utils.RunCommand,
		log:    log.With("repo", gURL.RepoName(), "branch", conf.Branch),
	}, nil
}

// Remote returns the remote URL of the repository
func (r *Repository) Remote() string {
	return r.remote
}

// GitURL returns the parsed remote URL of the repository
func (r *Repository) GitURL() giturl.URL {
	return *r.gitURL
}

// Name returns the name of the remote and branch pair, ie
// 'github.com/org/repo/main'. it is the same for every working tree dir
// and unique in the pool.
func (r *Repository) Name() string {
	return r.name
}

// Branch returns the branch working tree tracks
func (r *Repository) Branch() string {
	return r.branch
}

// Directory returns absolute path of the working tree
func (r *Repository) Directory() string {
	return r.dir
}

// IsCloned returns true if working tree contains git metadata
func (r *Repository) IsCloned() bool {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	return err == nil
}

// RunAtRevision syncs working tree with the remote, checks out given
// revision and then calls action with the working tree path. if revision is
// empty the tip of the configured branch is used.
// action is not called if any of the sync step fails and error returned by
// the action is returned as is. working tree is left at the revision after
// the call.
func (r *Repository) RunAtRevision(ctx context.Context, revision string, action func(ctx context.Context, dir string) error) error {
	if revision != "" {
		if err := validateRefArg(revision); err != nil {
			return fmt.Errorf("%w: %w", ErrRevisionNotFound, err)
		}
	}

	if err := r.Sync(ctx); err != nil {
		return err
	}

	if revision != "" {
		if err := r.checkout(ctx, revision); err != nil {
			return fmt.Errorf("unable to checkout revision:%s err:%w", revision, err)
		}
	}

	return action(ctx, r.dir)
}

// Sync will run the fetch phase of the working tree
//  1. clone if working tree doesn't exist
//  2. checkout configured branch if HEAD is not on it
//  3. pull latest changes of the branch
func (r *Repository) Sync(ctx context.Context) (err error) {
	defer updateSyncLatency(r.name, time.Now())
	defer func() { recordGitSync(r.name, err == nil) }()

	if !r.IsCloned() {
		if err := r.clone(ctx); err != nil {
			return fmt.Errorf("unable to clone repo err:%w", err)
		}
	}

	onBranch, err := r.onBranch(ctx)
	if err != nil {
		return fmt.Errorf("unable to read current branch err:%w", err)
	}
	if !onBranch {
		if err := r.checkout(ctx, ""); err != nil {
			return fmt.Errorf("unable to checkout branch err:%w", err)
		}
	}

	if err := r.pull(ctx); err != nil {
		return fmt.Errorf("unable to pull branch err:%w", err)
	}
	return nil
}

func (r *Repository) clone(ctx context.Context) error {
	r.log.Info("cloning repository", "remote", r.remote, "path", r.dir)
	// git clone --quiet -- <remote> <dir>
	_, err := r.git(ctx, "", "clone", "--quiet", "--", r.remote, r.dir)
	return err
}

// onBranch returns true if HEAD of the working tree points to the
// configured branch. detached HEAD is reported as not on branch.
func (r *Repository) onBranch(ctx context.Context) (bool, error) {
	// git symbolic-ref --quiet --short HEAD
	current, err := r.git(ctx, r.dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == refMissingExitCode {
			return false, nil
		}
		return false, err
	}
	return current == r.branch, nil
}

// checkout switches working tree to given treeish, if treeish is empty the
// configured branch is checked out, creating a local tracking branch from
// the remote one if needed.
func (r *Repository) checkout(ctx context.Context, treeish string) error {
	if treeish != "" {
		if _, err := r.commitIdentifier(ctx, treeish); err != nil {
			return err
		}
		r.log.Info("checking out revision", "revision", treeish)
		// git checkout --quiet <treeish> --
		_, err := r.git(ctx, r.dir, "checkout", "--quiet", treeish, "--")
		return err
	}

	local, err := r.localBranches(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(local, r.branch) {
		r.log.Info("checking out branch", "target", r.branch)
		// git checkout --quiet <branch> --
		_, err := r.git(ctx, r.dir, "checkout", "--quiet", r.branch, "--")
		return err
	}

	if err := r.remoteBranchExists(ctx); err != nil {
		return err
	}
	remoteBranch := "origin/" + r.branch
	r.log.Info("checking out tracking branch", "target", r.branch, "from", remoteBranch)
	// git checkout --quiet --track -b <branch> origin/<branch> --
	_, err = r.git(ctx, r.dir, "checkout", "--quiet", "--track", "-b", r.branch, remoteBranch, "--")
	return err
}

// localBranches returns short names of all the local branches
func (r *Repository) localBranches(ctx context.Context) ([]string, error) {
	// git branch --list --format=%(refname:short)
	out, err := r.git(ctx, r.dir, "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for b := range strings.SplitSeq(out, "\n") {
		if b = strings.TrimSpace(b); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// remoteBranchExists returns ErrBranchNotFound if configured branch
// is not fetched from the remote
func (r *Repository) remoteBranchExists(ctx context.Context) error {
	// git show-ref --verify --quiet refs/remotes/origin/<branch>
	_, err := r.git(ctx, r.dir, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+r.branch)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == refMissingExitCode {
		return fmt.Errorf("%w: %q: %w", ErrBranchNotFound, r.branch, err)
	}
	return err
}

func (r *Repository) pull(ctx context.Context) error {
	r.log.Info("pulling latest changes", "target", r.branch)
	// git pull --quiet --ff-only
	_, err := r.git(ctx, r.dir, "pull", "--quiet", "--ff-only")
	return pullErr(r.branch, err)
}

// git runs git command with given args in given dir
func (r *Repository) git(ctx context.Context, cwd string, args ...string) (string, error) {
	return r.run(ctx, r.log, r.envs, cwd, r.cmd, args...)
}

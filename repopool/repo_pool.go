package repopool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utilitywarehouse/build-sync/giturl"
	"github.com/utilitywarehouse/build-sync/internal/lock"
	"github.com/utilitywarehouse/build-sync/repository"
)

// defaultSyncConcurrency is the number of repositories synced in parallel by SyncAll
const defaultSyncConcurrency = 4

var (
	ErrExist    = errors.New("repo already exist")
	ErrNotExist = errors.New("repo does not exist")
)

// entry is a repository with the lock which serialises all operations on
// its working tree
type entry struct {
	lock lock.Mutex
	repo *repository.Repository
	conf RepositoryConfig
}

// RepoPool represents the collection of repositories keyed by remote and branch.
// it provides simple wrapper around Repository methods.
// A RepoPool is safe for concurrent use by multiple goroutines and only one
// operation is in flight for a working tree at any given time.
type RepoPool struct {
	lock       lock.RWMutex
	log        *slog.Logger
	entries    []*entry
	cmd        string
	commonENVs []string
}

// New will create repository pool based on given config.
// Remote repos will not be cloned until either SyncAll(), Sync() or RunAtRevision() is called
func New(conf Config, log *slog.Logger, gitExec string, commonENVs []string) (*RepoPool, error) {
	if err := conf.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}

	rp := &RepoPool{
		log:        log,
		cmd:        gitExec,
		commonENVs: commonENVs,
	}

	for _, repoConf := range conf.Repositories {
		if err := rp.AddRepository(repoConf); err != nil {
			return nil, err
		}
	}

	return rp, nil
}

// AddRepository will add given repository to repoPool.
// Remote repo will not be cloned until either Sync() or RunAtRevision() is called
func (rp *RepoPool) AddRepository(repoConf RepositoryConfig) error {
	repo, err := repository.New(repoConf.Config, rp.cmd, rp.commonENVs, rp.log)
	if err != nil {
		return err
	}

	rp.lock.Lock()
	defer rp.lock.Unlock()

	for _, e := range rp.entries {
		if overlappingDirs(e.repo.Directory(), repo.Directory()) {
			return fmt.Errorf("%w: working tree %s overlaps with %s of remote:%s branch:%s",
				ErrExist, repo.Directory(), e.repo.Directory(), e.repo.Remote(), e.repo.Branch())
		}
		if sameRepo(e.repo, repo.GitURL(), repo.Branch()) {
			return fmt.Errorf("%w: remote:%s branch:%s", ErrExist, repo.Remote(), repo.Branch())
		}
	}

	rp.entries = append(rp.entries, &entry{repo: repo, conf: repoConf})

	return nil
}

// RemoveRepository will remove given repository from the repoPool.
// it waits for in flight operation on the repository to finish.
// working tree is not deleted.
func (rp *RepoPool) RemoveRepository(remote, branch string) error {
	e, err := rp.entry(remote, branch)
	if err != nil {
		return err
	}

	rp.lock.Lock()
	rp.entries = slices.DeleteFunc(rp.entries, func(x *entry) bool { return x == e })
	rp.lock.Unlock()

	e.lock.Lock()
	defer e.lock.Unlock()

	rp.log.Info("repository removed from pool", "remote", e.repo.Remote(), "branch", e.repo.Branch(), "path", e.repo.Directory())
	return nil
}

// Repository will return Repository object based on given remote URL and
// branch. remote can be in any of the supported url syntax.
// Repository doesn't lock, use pool's methods to operate on the working tree
func (rp *RepoPool) Repository(remote, branch string) (*repository.Repository, error) {
	e, err := rp.entry(remote, branch)
	if err != nil {
		return nil, err
	}
	return e.repo, nil
}

// Config returns the config of the repository with given remote and branch
func (rp *RepoPool) Config(remote, branch string) (RepositoryConfig, error) {
	e, err := rp.entry(remote, branch)
	if err != nil {
		return RepositoryConfig{}, err
	}
	return e.conf, nil
}

// Configs returns configs of all the repositories in the pool
func (rp *RepoPool) Configs() []RepositoryConfig {
	rp.lock.RLock()
	defer rp.lock.RUnlock()

	var confs []RepositoryConfig
	for _, e := range rp.entries {
		confs = append(confs, e.conf)
	}
	return confs
}

// RepositoriesDirPath returns local paths of all the working trees
func (rp *RepoPool) RepositoriesDirPath() []string {
	rp.lock.RLock()
	defer rp.lock.RUnlock()

	var paths []string
	for _, e := range rp.entries {
		paths = append(paths, e.repo.Directory())
	}
	return paths
}

// RunAtRevision is wrapper around repositories RunAtRevision method.
// action holds the working tree lock until it returns.
func (rp *RepoPool) RunAtRevision(ctx context.Context, remote, branch, revision string, action func(ctx context.Context, dir string) error) error {
	e, err := rp.entry(remote, branch)
	if err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	return e.repo.RunAtRevision(ctx, revision, action)
}

// Sync is wrapper around repositories Sync method
func (rp *RepoPool) Sync(ctx context.Context, remote, branch string) error {
	e, err := rp.entry(remote, branch)
	if err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	return e.repo.Sync(ctx)
}

// SyncAll will trigger sync on every repo with given timeout per repository.
// different repositories are synced concurrently, It will return first error
// but all the syncs are completed before returning.
// Ideally SyncAll should be used on start to ensure all working trees are
// cloned before any build is triggered.
func (rp *RepoPool) SyncAll(ctx context.Context, timeout time.Duration) error {
	rp.lock.RLock()
	entries := slices.Clone(rp.entries)
	rp.lock.RUnlock()

	g := &errgroup.Group{}
	g.SetLimit(defaultSyncConcurrency)

	for _, e := range entries {
		g.Go(func() error {
			e.lock.Lock()
			defer e.lock.Unlock()

			sCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := e.repo.Sync(sCtx); err != nil {
				return fmt.Errorf("repository sync failed remote:%s branch:%s err:%w", e.repo.Remote(), e.repo.Branch(), err)
			}
			return nil
		})
	}

	return g.Wait()
}

// CommitIdentifier is wrapper around repositories CommitIdentifier method
func (rp *RepoPool) CommitIdentifier(ctx context.Context, remote, branch, revision string) (string, error) {
	e, err := rp.entry(remote, branch)
	if err != nil {
		return "", err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	return e.repo.CommitIdentifier(ctx, revision)
}

// CommitMetadata is wrapper around repositories CommitMetadata method
func (rp *RepoPool) CommitMetadata(ctx context.Context, remote, branch, revision string) (*repository.Commit, error) {
	e, err := rp.entry(remote, branch)
	if err != nil {
		return nil, err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	return e.repo.CommitMetadata(ctx, revision)
}

func (rp *RepoPool) entry(remote, branch string) (*entry, error) {
	gitURL, err := giturl.Parse(remote)
	if err != nil {
		return nil, err
	}

	rp.lock.RLock()
	defer rp.lock.RUnlock()

	for _, e := range rp.entries {
		if sameRepo(e.repo, *gitURL, branch) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: remote:%s branch:%s", ErrNotExist, remote, branch)
}

func sameRepo(repo *repository.Repository, gitURL giturl.URL, branch string) bool {
	repoURL := repo.GitURL()
	return repo.Branch() == branch && repoURL.Equals(&gitURL)
}

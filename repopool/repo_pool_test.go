package repopool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/build-sync/repository"
)

const testMainBranch = "e2e-main"

var testENVs = []string{"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_SYSTEM=/dev/null"}

func TestRepoPool_Repository(t *testing.T) {
	rp, err := New(Config{
		Defaults: DefaultConfig{Root: "/root", Branch: "main", Command: []string{"make"}},
		Repositories: []RepositoryConfig{
			{Config: repository.Config{Remote: "git@github.com:org/repo.git"}},
			{Config: repository.Config{Remote: "git@github.com:org/repo.git", Branch: "develop"}},
			{Config: repository.Config{Remote: "https://github.com/org/other.git"}, Command: []string{"go", "test"}},
		},
	}, slog.Default(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		remote  string
		branch  string
		wantDir string
		wantErr error
	}{
		{"git@github.com:org/repo.git", "main", "/root/github.com/org/repo/main", nil},
		{"https://github.com/org/repo.git", "main", "/root/github.com/org/repo/main", nil},
		{"ssh://git@github.com/org/repo", "develop", "/root/github.com/org/repo/develop", nil},
		{"https://github.com/org/other.git", "main", "/root/github.com/org/other/main", nil},
		{"https://github.com/org/other.git", "develop", "", ErrNotExist},
		{"https://github.com/org/missing.git", "main", "", ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.remote+"@"+tt.branch, func(t *testing.T) {
			repo, err := rp.Repository(tt.remote, tt.branch)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Repository() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if repo.Directory() != tt.wantDir {
				t.Errorf("Repository() dir = %s, want %s", repo.Directory(), tt.wantDir)
			}
		})
	}

	conf, err := rp.Config("https://github.com/org/other.git", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"go", "test"}, conf.Command); diff != "" {
		t.Errorf("Config() command mismatch (-want +got):\n%s", diff)
	}

	wantDirs := []string{
		"/root/github.com/org/repo/main",
		"/root/github.com/org/repo/develop",
		"/root/github.com/org/other/main",
	}
	if diff := cmp.Diff(wantDirs, rp.RepositoriesDirPath()); diff != "" {
		t.Errorf("RepositoriesDirPath() mismatch (-want +got):\n%s", diff)
	}
}

func TestRepoPool_AddRemoveRepository(t *testing.T) {
	rp, err := New(Config{}, nil, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	repo1 := RepositoryConfig{
		Config:  repository.Config{Remote: "git@github.com:org/repo.git", Branch: "main", Root: "/root"},
		Command: []string{"make"},
	}
	if err := rp.AddRepository(repo1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sameRepo := repo1
	sameRepo.Remote = "https://github.com/org/repo.git"
	sameRepo.Dir = "/builds/repo"
	if err := rp.AddRepository(sameRepo); !errors.Is(err, ErrExist) {
		t.Errorf("expected ErrExist for same remote and branch got %v", err)
	}

	sameDir := RepositoryConfig{
		Config:  repository.Config{Remote: "git@github.com:org/other.git", Branch: "main", Dir: "/root/github.com/org/repo/main"},
		Command: []string{"make"},
	}
	if err := rp.AddRepository(sameDir); !errors.Is(err, ErrExist) {
		t.Errorf("expected ErrExist for same dir got %v", err)
	}

	nestedDir := RepositoryConfig{
		Config:  repository.Config{Remote: "git@github.com:org/other.git", Branch: "main", Dir: "/root/github.com/org/repo/main/other"},
		Command: []string{"make"},
	}
	if err := rp.AddRepository(nestedDir); !errors.Is(err, ErrExist) {
		t.Errorf("expected ErrExist for dir inside other working tree got %v", err)
	}

	invalid := RepositoryConfig{Config: repository.Config{Remote: "git@github.com:org/other.git", Branch: "-x", Root: "/root"}}
	if err := rp.AddRepository(invalid); !errors.Is(err, repository.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig got %v", err)
	}

	if err := rp.RemoveRepository("ssh://git@github.com/org/repo.git", "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rp.Repository(repo1.Remote, "main"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist after removal got %v", err)
	}
	if err := rp.RemoveRepository(repo1.Remote, "main"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist got %v", err)
	}
}

func TestRepoPool_serialisesWorkingTree(t *testing.T) {
	tmp := t.TempDir()

	upstream1 := mustInitUpstream(t, filepath.Join(tmp, "upstream1"), "one")
	upstream2 := mustInitUpstream(t, filepath.Join(tmp, "upstream2"), "two")

	rp, err := New(Config{
		Defaults: DefaultConfig{Root: filepath.Join(tmp, "root"), Branch: testMainBranch, Command: []string{"true"}},
		Repositories: []RepositoryConfig{
			{Config: repository.Config{Remote: "file://" + upstream1}},
			{Config: repository.Config{Remote: "file://" + upstream2}},
		},
	}, slog.Default(), "", testENVs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := rp.SyncAll(t.Context(), time.Minute); err != nil {
		t.Fatalf("unable to sync all err: %v", err)
	}

	var inFlight1, inFlight2, maxPerTree atomic.Int32
	track := func(inFlight *atomic.Int32, maxInFlight *atomic.Int32) func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		return func() { inFlight.Add(-1) }
	}

	wg := &sync.WaitGroup{}
	for i := range 6 {
		remote, branchFile, inFlight := "file://"+upstream1, "one", &inFlight1
		if i%2 == 1 {
			remote, branchFile, inFlight = "file://"+upstream2, "two", &inFlight2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rp.RunAtRevision(t.Context(), remote, testMainBranch, "", func(_ context.Context, dir string) error {
				done := track(inFlight, &maxPerTree)
				defer done()

				time.Sleep(100 * time.Millisecond)

				got, err := os.ReadFile(filepath.Join(dir, "file"))
				if err != nil {
					return err
				}
				if string(got) != branchFile {
					t.Errorf("unexpected content %q want %q", got, branchFile)
				}
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxPerTree.Load(); got != 1 {
		t.Errorf("expected at most 1 action per working tree got %d", got)
	}

	meta, err := rp.CommitMetadata(t.Context(), "file://"+upstream1, testMainBranch, "HEAD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Author() != "build-sync-e2e <build-sync-e2e@example.com>" {
		t.Errorf("unexpected author %s", meta.Author())
	}

	id, err := rp.CommitIdentifier(t.Context(), "file://"+upstream2, testMainBranch, "HEAD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repository.IsFullCommitHash(id) {
		t.Errorf("unexpected identifier %s", id)
	}
}

func TestRepoPool_SyncAll_error(t *testing.T) {
	tmp := t.TempDir()

	upstream1 := mustInitUpstream(t, filepath.Join(tmp, "upstream1"), "one")

	rp, err := New(Config{
		Defaults: DefaultConfig{Root: filepath.Join(tmp, "root"), Branch: testMainBranch, Command: []string{"true"}},
		Repositories: []RepositoryConfig{
			{Config: repository.Config{Remote: "file://" + upstream1}},
			{Config: repository.Config{Remote: "file://" + filepath.Join(tmp, "missing")}},
		},
	}, slog.Default(), "", testENVs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = rp.SyncAll(t.Context(), time.Minute)
	var cmdErr *repository.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError got %v", err)
	}

	// valid repository is still synced
	repo, err := rp.Repository("file://"+upstream1, testMainBranch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.IsCloned() {
		t.Errorf("expected working tree of valid repository to be cloned")
	}
}

func mustInitUpstream(t *testing.T, dir, content string) string {
	t.Helper()

	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(testMainBranch),
		},
	})
	if err != nil {
		t.Fatalf("unable to init upstream err: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("unable to get worktree err: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "file"), []byte(content), 0644); err != nil {
		t.Fatalf("unable to write to file err: %v", err)
	}
	if _, err := wt.Add("file"); err != nil {
		t.Fatalf("unable to add file err: %v", err)
	}
	sig := &object.Signature{Name: "build-sync-e2e", Email: "build-sync-e2e@example.com", When: time.Now()}
	if _, err := wt.Commit(content, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		t.Fatalf("unable to commit err: %v", err)
	}
	return dir
}

package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/utilitywarehouse/build-sync/giturl"
	"github.com/utilitywarehouse/build-sync/repopool"
	"github.com/utilitywarehouse/build-sync/repository"
)

const testBranch = "e2e-main"

var testENVs = []string{"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_SYSTEM=/dev/null"}

func TestBuilder_Build(t *testing.T) {
	tmp := t.TempDir()
	upstream := filepath.Join(tmp, "upstream")

	when := time.Date(2024, 3, 5, 10, 30, 0, 0, time.FixedZone("", 2*60*60))
	hash1 := mustCommitFile(t, upstream, "one", "first build\n\nwith body", when)
	hash2 := mustCommitFile(t, upstream, "two", "second build", when.Add(time.Hour))

	builder := mustNewBuilder(t, tmp, upstream, []string{"cat", "file"}, time.Minute)
	remote := "file://" + upstream

	t.Run("revision", func(t *testing.T) {
		got, err := builder.Build(t.Context(), remote, testBranch, hash1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := &BuildResult{
			Remote:   remote,
			Branch:   testBranch,
			Revision: hash1,
			Commit:   hash1,
			Metadata: repository.Metadata{
				Author:  "build-sync-e2e <build-sync-e2e@example.com>",
				Message: "first build\n\nwith body",
				Date:    "2024-03-05T10:30:00+02:00",
			},
			Status: BuildSuccess,
			Output: "one",
		}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(BuildResult{}, "StartedAt", "Duration")); diff != "" {
			t.Errorf("Build() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("tip", func(t *testing.T) {
		got, err := builder.Build(t.Context(), remote, testBranch, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Commit != hash2 || got.Output != "two" || got.Status != BuildSuccess {
			t.Errorf("unexpected tip build result %+v", got)
		}
		if got.Metadata.Message != "second build" {
			t.Errorf("unexpected message %q", got.Metadata.Message)
		}
	})

	t.Run("unknown_revision", func(t *testing.T) {
		got, err := builder.Build(t.Context(), remote, testBranch, "does-not-exist")
		if !errors.Is(err, repository.ErrRevisionNotFound) {
			t.Fatalf("expected ErrRevisionNotFound got %v", err)
		}
		if got != nil {
			t.Errorf("expected no result got %+v", got)
		}
	})

	t.Run("not_configured", func(t *testing.T) {
		if _, err := builder.Build(t.Context(), remote, "other", ""); !errors.Is(err, repopool.ErrNotExist) {
			t.Fatalf("expected ErrNotExist got %v", err)
		}
	})
}

func TestBuilder_Build_failure(t *testing.T) {
	tmp := t.TempDir()
	upstream := filepath.Join(tmp, "upstream")
	hash := mustCommitFile(t, upstream, "one", "first", time.Now())

	builder := mustNewBuilder(t, tmp, upstream, []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, time.Minute)

	got, err := builder.Build(t.Context(), "file://"+upstream, testBranch, "")
	if err != nil {
		t.Fatalf("failing build command must not return error got: %v", err)
	}
	if got.Status != BuildFailed {
		t.Errorf("expected status failed got %s", got.Status)
	}
	if got.Commit != hash {
		t.Errorf("expected commit %s got %s", hash, got.Commit)
	}
	if got.Output != "out\nerr" {
		t.Errorf("unexpected output %q", got.Output)
	}
	if !strings.HasPrefix(got.Error, "exit code 3") {
		t.Errorf("unexpected error %q", got.Error)
	}

	label, err := giturl.WorkingTreePath("file://" + upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	label = filepath.ToSlash(filepath.Join(label, testBranch))
	if v := testutil.ToFloat64(buildCount.WithLabelValues(label, string(BuildFailed))); v != 1 {
		t.Errorf("expected 1 failed build recorded got %v", v)
	}
}

func TestBuilder_Build_timeout(t *testing.T) {
	tmp := t.TempDir()
	upstream := filepath.Join(tmp, "upstream")
	mustCommitFile(t, upstream, "one", "first", time.Now())

	builder := mustNewBuilder(t, tmp, upstream, []string{"sleep", "30"}, time.Second)

	got, err := builder.Build(t.Context(), "file://"+upstream, testBranch, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != BuildFailed {
		t.Errorf("expected status failed got %s", got.Status)
	}
	if got.Duration >= 30*time.Second {
		t.Errorf("build was not stopped at timeout, took %s", got.Duration)
	}
}

func Test_joinOutput(t *testing.T) {
	tests := []struct {
		stdout, stderr, want string
	}{
		{"", "", ""},
		{"out", "", "out"},
		{"", "err", "err"},
		{"out", "err", "out\nerr"},
	}
	for _, tt := range tests {
		if got := joinOutput(tt.stdout, tt.stderr); got != tt.want {
			t.Errorf("joinOutput(%q, %q) = %q, want %q", tt.stdout, tt.stderr, got, tt.want)
		}
	}
}

func mustNewBuilder(t *testing.T, tmp, upstream string, command []string, timeout time.Duration) *Builder {
	t.Helper()

	rp, err := repopool.New(repopool.Config{
		Defaults: repopool.DefaultConfig{Root: filepath.Join(tmp, "root"), Branch: testBranch},
		Repositories: []repopool.RepositoryConfig{
			{Config: repository.Config{Remote: "file://" + upstream}, Command: command, BuildTimeout: timeout},
		},
	}, slog.Default(), "", testENVs)
	if err != nil {
		t.Fatalf("could not create repository pool err:%v", err)
	}

	return NewBuilder(rp, []string{"PATH=" + os.Getenv("PATH")}, slog.Default())
}

// mustCommitFile commits given content to 'file' in the upstream repository
// on test branch, repository is initialised if needed.
func mustCommitFile(t *testing.T, dir, content, msg string, when time.Time) string {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInitWithOptions(dir, &git.PlainInitOptions{
			InitOptions: git.InitOptions{
				DefaultBranch: plumbing.NewBranchReferenceName(testBranch),
			},
		})
	}
	if err != nil {
		t.Fatalf("unable to open upstream err: %v", err)
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

	sig := &object.Signature{Name: "build-sync-e2e", Email: "build-sync-e2e@example.com", When: when}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		t.Fatalf("unable to commit err: %v", err)
	}
	return hash.String()
}

package repository

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/utilitywarehouse/build-sync/giturl"
)

// Config represents the config for the working tree of the given remote.
type Config struct {
	// git URL of the remote repo to sync
	Remote string `yaml:"remote"`

	// Branch is the branch working tree is kept in sync with
	Branch string `yaml:"branch"`

	// Root is the absolute path to the root dir where working tree
	// dir will be created if Dir is not set
	Root string `yaml:"root"`

	// Dir is the absolute path of the working tree. if not set it will be
	// derived from the remote and branch and placed in Root
	Dir string `yaml:"dir"`
}

// DefaultDir returns path of the working tree of the given remote and branch
// inside the root, ie '<root>/<host>/<path>/<repo>/<branch>'.
// Same remote and branch always resolves to the same path.
func DefaultDir(root, remote, branch string) (string, error) {
	name, err := giturl.WorkingTreePath(remote)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, name, branchDir(branch)), nil
}

// validate verifies config and returns working tree path
func (c Config) validate() (string, error) {
	var errs []error

	if strings.TrimSpace(c.Remote) == "" {
		errs = append(errs, fmt.Errorf("remote cannot be empty"))
	}

	if err := validateRefArg(c.Branch); err != nil {
		errs = append(errs, fmt.Errorf("invalid branch: %w", err))
	}

	switch {
	case c.Dir != "":
		if !filepath.IsAbs(c.Dir) {
			errs = append(errs, fmt.Errorf("working tree dir '%s' must be absolute", c.Dir))
		}
	case c.Root == "":
		errs = append(errs, fmt.Errorf("either root or dir must be set"))
	case !filepath.IsAbs(c.Root):
		errs = append(errs, fmt.Errorf("repository root '%s' must be absolute", c.Root))
	}

	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidConfig, errs)
	}

	if c.Dir != "" {
		return filepath.Clean(c.Dir), nil
	}
	dir, err := DefaultDir(c.Root, c.Remote, c.Branch)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return dir, nil
}

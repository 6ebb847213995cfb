package repository

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// Objects can be named by their 40 hexadecimal digit SHA-1 name
	// or 64 hexadecimal digit SHA-256 name
	commitHashRgx            = regexp.MustCompile("^([0-9A-Fa-f]{40}|[0-9A-Fa-f]{64})$")
	abbreviatedCommitHashRgx = regexp.MustCompile("^[0-9A-Fa-f]{7,}$")
)

// IsFullCommitHash returns whether or not a string is a 40 char SHA-1
// or 64 char SHA-256 hash
func IsFullCommitHash(hash string) bool {
	return commitHashRgx.MatchString(hash)
}

// IsCommitHash returns whether or not a string is a abbreviated Hash or
// 40 char SHA-1 or 64 char SHA-256 hash
func IsCommitHash(hash string) bool {
	return abbreviatedCommitHashRgx.MatchString(hash)
}

// ShortIdentifier returns the short form of the commit identifier, which is
// its first 7 chars. identifiers shorter than that are returned as is.
func ShortIdentifier(id string) string {
	if len(id) < 7 {
		return id
	}
	return id[:7]
}

// validateRefArg rejects values which git would parse as something other
// than a revision or branch name
func validateRefArg(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("value cannot be empty")
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%q cannot start with '-'", name)
	case strings.ContainsAny(name, "\x00\n\r"):
		return fmt.Errorf("%q contains control chars", name)
	}
	return nil
}

// branchDir returns the single directory name used for the working tree of
// the branch. '/' and '%' are escaped so different branches never share
// a dir, ie 'feature/x' -> 'feature%2Fx' and 'feature_x' stays as is.
func branchDir(branch string) string {
	dir := url.PathEscape(branch)
	if strings.Trim(dir, ".") == "" {
		dir = strings.ReplaceAll(dir, ".", "%2E")
	}
	return dir
}

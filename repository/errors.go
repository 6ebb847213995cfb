package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/utilitywarehouse/build-sync/internal/utils"
)

var (
	// ErrInvalidConfig is returned by New when config can't be used
	ErrInvalidConfig = errors.New("invalid repository config")
	// ErrWorkingTreeNotFound is returned when working tree is inspected before
	// it was cloned
	ErrWorkingTreeNotFound = errors.New("working tree does not exist")
	// ErrRevisionNotFound is returned when revision can't be resolved to a
	// commit in the working tree
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrBranchNotFound is returned when configured branch exists neither
	// locally nor on the remote
	ErrBranchNotFound = errors.New("branch not found")
	// ErrBranchDiverged is returned when local branch can't be fast-forwarded
	// to the remote one, ie after upstream history was rewritten. working
	// tree must be fixed or removed by hand.
	ErrBranchDiverged = errors.New("branch diverged from origin")
	// ErrMalformedMetadata is returned when output of the commit metadata
	// query can't be decoded
	ErrMalformedMetadata = errors.New("malformed commit metadata")
)

// CommandError is returned when git couldn't be started or exited with
// non-zero status. Use errors.As to get stdout, stderr and exit code.
type CommandError = utils.CommandError

// unknownRevisionExitCode is the exit code git uses for fatal errors,
// including the ones for revisions it can't resolve
const unknownRevisionExitCode = 128

// revisionErr tags git failures caused by unknown revision with
// ErrRevisionNotFound, other errors are returned as is
func revisionErr(revision string, err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == unknownRevisionExitCode {
		return fmt.Errorf("%w: %q: %w", ErrRevisionNotFound, revision, err)
	}
	return err
}

// message git prints when 'pull --ff-only' can't update the branch
const notFastForwardMsg = "not possible to fast-forward"

// pullErr tags git pull failures caused by diverged history with
// ErrBranchDiverged, other errors are returned as is
func pullErr(branch string, err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Stderr), notFastForwardMsg) {
		return fmt.Errorf("%w: %q: %w", ErrBranchDiverged, branch, err)
	}
	return err
}

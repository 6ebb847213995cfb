package repository

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// fields of the commit metadata query are separated by NUL which git
// doesn't allow in commit messages, message is the last field so it can
// contain anything else including new lines.
const (
	metadataSeparator = "\x00"
	metadataFormat    = "--format=%H%x00%an%x00%ae%x00%cI%x00%B"
	metadataFields    = 5
)

// Commit represents a single commit of the working tree
type Commit struct {
	Hash        string
	AuthorName  string
	AuthorEmail string
	Message     string
	Date        time.Time // commit date including its original zone offset
}

// Metadata is the commit record consumed by build records
type Metadata struct {
	Author  string `yaml:"author" json:"author"`
	Message string `yaml:"message" json:"message"`
	Date    string `yaml:"date" json:"date"`
}

// Author returns author of the commit in 'Name <email>' form
func (c *Commit) Author() string {
	return fmt.Sprintf("%s <%s>", c.AuthorName, c.AuthorEmail)
}

// ShortHash returns short identifier of the commit
func (c *Commit) ShortHash() string {
	return ShortIdentifier(c.Hash)
}

// Subject returns the first line of the commit message
func (c *Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject
}

// Metadata returns build record metadata of the commit
func (c *Commit) Metadata() Metadata {
	return Metadata{
		Author:  c.Author(),
		Message: c.Message,
		Date:    c.Date.Format(time.RFC3339),
	}
}

// CommitIdentifier returns full hash of the commit given revision resolves to.
// revision can be anything git understands, hash, abbreviated hash, branch or tag.
func (r *Repository) CommitIdentifier(ctx context.Context, revision string) (string, error) {
	if err := r.ensureInspectable(revision); err != nil {
		return "", err
	}
	return r.commitIdentifier(ctx, revision)
}

// CommitMetadata returns author, message and date of the commit given
// revision resolves to.
func (r *Repository) CommitMetadata(ctx context.Context, revision string) (*Commit, error) {
	if err := r.ensureInspectable(revision); err != nil {
		return nil, err
	}

	// git show --no-patch --format=%H%x00%an%x00%ae%x00%cI%x00%B <revision>^{commit} --
	out, err := r.git(ctx, r.dir, "show", "--no-patch", metadataFormat, revision+"^{commit}", "--")
	if err != nil {
		return nil, revisionErr(revision, err)
	}
	return parseCommit(out)
}

func (r *Repository) ensureInspectable(revision string) error {
	if !r.IsCloned() {
		return fmt.Errorf("%w: %s", ErrWorkingTreeNotFound, r.dir)
	}
	if err := validateRefArg(revision); err != nil {
		return fmt.Errorf("%w: %w", ErrRevisionNotFound, err)
	}
	return nil
}

func (r *Repository) commitIdentifier(ctx context.Context, revision string) (string, error) {
	// git show --no-patch --format=%H <revision>^{commit} --
	hash, err := r.git(ctx, r.dir, "show", "--no-patch", "--format=%H", revision+"^{commit}", "--")
	if err != nil {
		return "", revisionErr(revision, err)
	}
	if !IsFullCommitHash(hash) {
		return "", fmt.Errorf("%w: unexpected identifier %q for revision %q", ErrMalformedMetadata, hash, revision)
	}
	return hash, nil
}

// parseCommit decodes output of the commit metadata query
func parseCommit(out string) (*Commit, error) {
	fields := strings.SplitN(out, metadataSeparator, metadataFields)
	if len(fields) != metadataFields {
		return nil, fmt.Errorf("%w: expected %d fields got %d", ErrMalformedMetadata, metadataFields, len(fields))
	}

	if !IsFullCommitHash(fields[0]) {
		return nil, fmt.Errorf("%w: invalid commit hash %q", ErrMalformedMetadata, fields[0])
	}

	date, err := time.Parse(time.RFC3339, fields[3])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid commit date %q err:%w", ErrMalformedMetadata, fields[3], err)
	}

	return &Commit{
		Hash:        fields[0],
		AuthorName:  fields[1],
		AuthorEmail: fields[2],
		Date:        date,
		Message:     strings.TrimRight(fields[4], "\n"),
	}, nil
}

// Package gitscan implements the GitChangeDetector collaborator
// (spec.md §6): it shells out to the system git binary to discover
// repository revisions and the set of paths changed since a base
// revision, grounded on the teacher's internal/lifecycle.OllamaManager
// pattern of an injectable exec.Command func for testability.
package gitscan

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ChangeStatus classifies how a path changed relative to a base revision.
type ChangeStatus string

const (
	StatusAdded    ChangeStatus = "added"
	StatusModified ChangeStatus = "modified"
	StatusDeleted  ChangeStatus = "deleted"
	StatusRenamed  ChangeStatus = "renamed"
)

// Change describes a single path's status between two revisions.
type Change struct {
	Path   string
	Status ChangeStatus
}

// Detector discovers git repository state and diffs for incremental
// reindexing (§4.5's overlay staleness inputs).
type Detector struct {
	repoRoot    string
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New builds a Detector rooted at repoRoot (the working directory git
// commands run in).
func New(repoRoot string) *Detector {
	return &Detector{
		repoRoot:    repoRoot,
		execCommand: exec.CommandContext,
	}
}

func (d *Detector) run(ctx context.Context, args ...string) (string, error) {
	cmd := d.execCommand(ctx, "git", args...)
	cmd.Dir = d.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gitscan: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// HeadRevision returns the current HEAD commit hash.
func (d *Detector) HeadRevision(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" if detached.
func (d *Detector) CurrentBranch(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// MergeBase returns the best common ancestor of a and b.
func (d *Detector) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := d.run(ctx, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DiffNameStatus returns the set of paths changed between base and head,
// classified by status, via `git diff --name-status`.
func (d *Detector) DiffNameStatus(ctx context.Context, base, head string) ([]Change, error) {
	out, err := d.run(ctx, "diff", "--name-status", base, head)
	if err != nil {
		return nil, err
	}
	return parseNameStatus(out), nil
}

// WorkingTreeStatus returns uncommitted changes via `git status --porcelain`.
func (d *Detector) WorkingTreeStatus(ctx context.Context) ([]Change, error) {
	out, err := d.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelainStatus(out), nil
}

// ListFiles returns every tracked path via `git ls-files`.
func (d *Detector) ListFiles(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "ls-files")
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

// ListTree returns every tracked path at a given revision via
// `git ls-tree -r --name-only`.
func (d *Detector) ListTree(ctx context.Context, revision string) ([]string, error) {
	out, err := d.run(ctx, "ls-tree", "-r", "--name-only", revision)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

// Show returns the content of path at the given revision via `git show`.
func (d *Detector) Show(ctx context.Context, revision, path string) ([]byte, error) {
	cmd := d.execCommand(ctx, "git", "show", revision+":"+path)
	cmd.Dir = d.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gitscan: git show %s:%s: %w: %s", revision, path, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func parseNameStatus(out string) []Change {
	var changes []Change
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		switch {
		case strings.HasPrefix(status, "A"):
			changes = append(changes, Change{Path: fields[1], Status: StatusAdded})
		case strings.HasPrefix(status, "D"):
			changes = append(changes, Change{Path: fields[1], Status: StatusDeleted})
		case strings.HasPrefix(status, "R"):
			if len(fields) >= 3 {
				changes = append(changes, Change{Path: fields[2], Status: StatusRenamed})
			}
		case strings.HasPrefix(status, "M"):
			changes = append(changes, Change{Path: fields[1], Status: StatusModified})
		default:
			changes = append(changes, Change{Path: fields[1], Status: StatusModified})
		}
	}
	return changes
}

func parsePorcelainStatus(out string) []Change {
	var changes []Change
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		if path == "" {
			continue
		}
		switch {
		case strings.Contains(code, "D"):
			changes = append(changes, Change{Path: path, Status: StatusDeleted})
		case strings.Contains(code, "A") || strings.Contains(code, "?"):
			changes = append(changes, Change{Path: path, Status: StatusAdded})
		case strings.Contains(code, "R"):
			changes = append(changes, Change{Path: path, Status: StatusRenamed})
		default:
			changes = append(changes, Change{Path: path, Status: StatusModified})
		}
	}
	return changes
}

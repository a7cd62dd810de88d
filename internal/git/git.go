// Package git reads working tree state so task results can report the files
// an agent touched.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

// Client defines the git operations used while executing tasks. All methods
// take a path since each session may work in a different repo.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	ChangedFiles(ctx context.Context, path string) ([]string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	out, err := gitCmd(ctx, path, "rev-parse", "--show-toplevel")
	return strings.TrimSpace(out), err
}

// ChangedFiles lists modified, added, deleted and untracked files relative
// to the repo root, sorted.
func (c *RealClient) ChangedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return ParseStatusPorcelain(out), nil
}

// ParseStatusPorcelain extracts paths from `git status --porcelain` (v1)
// output. Renames report the new path.
func ParseStatusPorcelain(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		// "XY path" with a two-letter status code.
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		if strings.HasPrefix(path, `"`) {
			if unq, err := strconv.Unquote(path); err == nil {
				path = unq
			}
		}
		files = append(files, path)
	}
	slices.Sort(files)
	return slices.Compact(files)
}

// NewChanges returns the files in after that are not in before.
func NewChanges(before, after []string) []string {
	var out []string
	for _, f := range after {
		if !slices.Contains(before, f) {
			out = append(out, f)
		}
	}
	return out
}

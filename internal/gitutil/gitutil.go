// Package gitutil scans recent git history for task references so finished
// work can be linked back to the tasks it mentions.
package gitutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// Commit is one parsed git log entry.
type Commit struct {
	SHA     string
	Subject string
}

// TaskLinker is the slice of the task registry commit linking needs.
type TaskLinker interface {
	LinkCommitByRef(ctx context.Context, projectID, taskRef, commitSHA string) error
}

var (
	// Matches full task UUIDs and short #N sequence references in commit
	// messages, e.g. "fixes #12" or "task 550e8400-e29b-...".
	uuidPattern   = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	seqRefPattern = regexp.MustCompile(`#(\d+)\b`)
)

// RecentCommits lists commits in cwd since the given time, newest first.
func RecentCommits(ctx context.Context, cwd string, since time.Time) ([]Commit, error) {
	args := []string{"log", "--pretty=format:%H%x09%s"}
	if !since.IsZero() {
		args = append(args, "--since="+since.UTC().Format(time.RFC3339))
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("git log: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git log: %w", err)
	}

	var commits []Commit
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		sha, subject, ok := strings.Cut(scanner.Text(), "\t")
		if !ok || sha == "" {
			continue
		}
		commits = append(commits, Commit{SHA: sha, Subject: subject})
	}
	return commits, scanner.Err()
}

// LinkCommits scans commits in cwd since the given time and links each task
// reference found in a commit subject to that commit. Scanning is best
// effort; a repo without git history is not an error.
func LinkCommits(ctx context.Context, tasks TaskLinker, projectID, cwd string, since time.Time, log *logger.Logger) int {
	commits, err := RecentCommits(ctx, cwd, since)
	if err != nil {
		log.Debug("commit scan skipped", zap.String("dir", cwd), zap.Error(err))
		return 0
	}

	linked := 0
	for _, c := range commits {
		for _, ref := range ExtractTaskRefs(c.Subject) {
			if err := tasks.LinkCommitByRef(ctx, projectID, ref, c.SHA); err != nil {
				log.Debug("commit link failed",
					zap.String("ref", ref),
					zap.String("sha", c.SHA),
					zap.Error(err))
				continue
			}
			linked++
		}
	}
	return linked
}

// ExtractTaskRefs pulls task references out of a commit subject. UUIDs are
// returned verbatim, #N references as "#N".
func ExtractTaskRefs(subject string) []string {
	var refs []string
	seen := map[string]bool{}
	for _, m := range uuidPattern.FindAllString(subject, -1) {
		if !seen[m] {
			seen[m] = true
			refs = append(refs, m)
		}
	}
	for _, m := range seqRefPattern.FindAllStringSubmatch(subject, -1) {
		if _, err := strconv.ParseInt(m[1], 10, 64); err != nil {
			continue
		}
		ref := "#" + m[1]
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

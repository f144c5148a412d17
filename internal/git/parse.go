package git

import (
	"bufio"
	"strings"
	"time"
)

// logFormat is the --pretty format understood by ParseLog.
const logFormat = "%H|%s|%aI"

// WorktreeEntry is one record of git worktree list --porcelain.
type WorktreeEntry struct {
	Path     string
	Head     string
	Branch   string // short name, empty when detached
	Detached bool
	Bare     bool
	Locked   bool
}

// ParseWorktreeList parses the output of 'git worktree list --porcelain'.
// Entries are separated by blank lines.
func ParseWorktreeList(output string) []WorktreeEntry {
	var entries []WorktreeEntry
	var current *WorktreeEntry

	flush := func() {
		if current != nil {
			entries = append(entries, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			flush()
			current = &WorktreeEntry{Path: value}
			continue
		}
		if current == nil {
			continue
		}
		switch key {
		case "HEAD":
			current.Head = value
		case "branch":
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "detached":
			current.Detached = true
		case "bare":
			current.Bare = true
		case "locked":
			current.Locked = true
		}
	}
	flush()

	return entries
}

// FileChange is one line of git status --porcelain.
type FileChange struct {
	Index    byte // staged state, ' ' when unstaged
	WorkTree byte // unstaged state
	Path     string
}

// Staged returns true if the change is in the index.
func (c FileChange) Staged() bool {
	return c.Index != ' ' && c.Index != '?' && c.Index != '!'
}

// Untracked returns true for files git does not track.
func (c FileChange) Untracked() bool {
	return c.Index == '?'
}

// ParseStatus parses git status --porcelain (v1) output.
// Renames report the destination path.
func ParseStatus(output string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		changes = append(changes, FileChange{
			Index:    line[0],
			WorkTree: line[1],
			Path:     strings.Trim(path, `"`),
		})
	}
	return changes
}

// Commit is one entry of the module commit log.
type Commit struct {
	Hash    string    `json:"hash"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}

// ParseLog parses output produced with --pretty=format:%H|%s|%aI.
// The subject may itself contain '|'.
func ParseLog(output string) []Commit {
	var commits []Commit
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		first := strings.Index(line, "|")
		last := strings.LastIndex(line, "|")
		if first < 0 || first == last {
			commits = append(commits, Commit{Hash: line})
			continue
		}
		c := Commit{
			Hash:    line[:first],
			Subject: line[first+1 : last],
		}
		if t, err := time.Parse(time.RFC3339, line[last+1:]); err == nil {
			c.Date = t
		}
		commits = append(commits, c)
	}
	return commits
}

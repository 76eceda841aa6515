package tools

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const repoMaxFileSize = 1 << 20

var repoSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "data": true, "vendor": true,
}

var repoExtensions = map[string]bool{
	".go": true, ".md": true, ".sql": true, ".yaml": true, ".yml": true,
	".json": true, ".txt": true, ".py": true, ".ts": true, ".js": true,
}

// RepoHit is one matching line from the source tree.
type RepoHit struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// searchRepo walks the configured source tree and returns lines containing
// the query, case-insensitively. Bounded by limit and file size.
func searchRepo(root, query string, limit int) ([]RepoHit, error) {
	if root == "" {
		return nil, fmt.Errorf("no repository root is configured")
	}
	needle := strings.ToLower(query)
	var hits []RepoHit

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if repoSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) >= limit {
			return filepath.SkipAll
		}
		if !repoExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > repoMaxFileSize {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.Contains(strings.ToLower(line), needle) {
				hits = append(hits, RepoHit{File: rel, Line: lineNo, Text: strings.TrimSpace(line)})
				if len(hits) >= limit {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk repository: %w", err)
	}
	return hits, nil
}

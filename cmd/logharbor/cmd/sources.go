package cmd

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/austindbirch/logharbor/internal/blob"
)

const defaultProducer = "default"

type sourceJob struct {
	producer string
	src      blob.Source
}

// collectSources walks root and returns one job per regular file, skipping
// hidden files and directories. Without a fixed producer each top-level
// directory becomes its own producer.
func collectSources(root, producer string) ([]sourceJob, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", root)
	}
	root = abs

	var jobs []sourceJob
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		jobs = append(jobs, sourceJob{
			producer: producerFor(rel, producer),
			src:      blob.Source{Path: path, RelativePath: rel},
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}
	return jobs, nil
}

func producerFor(rel, fixed string) string {
	if fixed != "" {
		return fixed
	}
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return rel[:i]
	}
	return defaultProducer
}

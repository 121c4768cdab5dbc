package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/siftdev/sift"
	"github.com/siftdev/sift/internal/fingerprint"
)

// execTransform runs a shell command per file: contents on stdin,
// transformed output on stdout, the relative path in SIFT_FILE.
type execTransform struct {
	command string
	baseDir string
}

func (t *execTransform) ProcessString(ctx context.Context, in *sift.Input) (*sift.ProcessResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", t.command)
	cmd.Stdin = bytes.NewReader(in.Contents)
	cmd.Env = append(os.Environ(), "SIFT_FILE="+in.RelPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", t.command, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%s: %w", t.command, err)
	}
	return sift.Bytes(stdout.Bytes()), nil
}

// CacheKey ties cached results to the exact command line, so editing
// the command invalidates prior runs.
func (t *execTransform) CacheKey() (string, error) {
	return fingerprint.Sum([]byte(t.command)), nil
}

func (t *execTransform) BaseDir() string {
	return t.baseDir
}

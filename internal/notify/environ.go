package notify

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// procRoot is swapped in tests.
var procRoot = "/proc"

// getEnvFromProc reads an environment variable from /proc/<pid>/environ
func getEnvFromProc(pid int, envVar string) (string, error) {
	path := fmt.Sprintf("%s/%d/environ", procRoot, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(scanNullTerminated)

	prefix := envVar + "="
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error scanning environ: %w", err)
	}
	return "", fmt.Errorf("environment variable %s not found", envVar)
}

// scanNullTerminated is a bufio.SplitFunc that splits on NUL bytes
func scanNullTerminated(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

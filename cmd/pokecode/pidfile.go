package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/justbecauselabs/pokecode/internal/common/config"
)

func pidFilePath() string {
	return filepath.Join(config.Dir(), "pokecode.pid")
}

func writePIDFile(pid int) error {
	path := pidFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func readPIDFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

func removePIDFile() {
	_ = os.Remove(pidFilePath())
}

package config

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ResolveProgram returns the absolute path of the CLI binary named by program.
// The first whitespace-separated field is looked up in PATH; absolute paths are
// returned as-is if they exist.
func ResolveProgram(program string) (string, error) {
	fields := strings.Fields(program)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty program")
	}
	name := fields[0]
	if filepath.IsAbs(name) {
		if _, err := exec.LookPath(name); err != nil {
			return "", fmt.Errorf("program %s is not executable: %w", name, err)
		}
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s command not found in PATH: %w", name, err)
	}
	return path, nil
}

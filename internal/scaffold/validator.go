package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/sapling/internal/config"
)

// CheckExisting returns an error if dir already holds a sapling.yml.
func CheckExisting(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, config.DefaultFile)); err == nil {
		return fmt.Errorf("already initialized: found existing %s\n\nUse 'sapling init --force' to overwrite it", config.DefaultFile)
	}
	return nil
}

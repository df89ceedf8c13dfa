package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/sapling/internal/config"
	"github.com/dyluth/sapling/internal/printer"
)

//go:embed templates/*
var templatesFS embed.FS

// ReceivedDir is the directory init creates for files a receiver writes out.
const ReceivedDir = "received"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes sapling.yml and the received/ directory under dir.
// If force is true, an existing sapling.yml is replaced.
func Initialize(dir string, force bool) error {
	if force {
		if err := handleForce(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles(dir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(dir, ReceivedDir), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", ReceivedDir, err)
	}

	if err := writeFiles(files); err != nil {
		return err
	}

	return validateCreatedFiles(dir)
}

// handleForce removes an existing configuration if --force was specified
func handleForce(dir string) error {
	path := filepath.Join(dir, config.DefaultFile)
	if _, err := os.Stat(path); err == nil {
		printer.Warning("Removing existing %s...\n", config.DefaultFile)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", config.DefaultFile, err)
		}
	}
	return nil
}

func getTemplateFiles(dir string) ([]FileInfo, error) {
	content, err := templatesFS.ReadFile("templates/sapling.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read %s template: %w", config.DefaultFile, err)
	}
	return []FileInfo{{
		Path:        filepath.Join(dir, config.DefaultFile),
		Content:     content,
		Permissions: 0o644,
	}}, nil
}

func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	return nil
}

// validateCreatedFiles loads the written configuration the way every command
// will, so a broken template fails here rather than on first use.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, config.DefaultFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultFile, err)
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	printer.Success("Initialized sapling configuration\n")
	printer.Println("\nCreated:")
	printer.Printf("  ✓ %s\n", config.DefaultFile)
	printer.Printf("  ✓ %s/\n", ReceivedDir)
	printer.Println("\nNext steps:")
	printer.Println("  1. Pick a transport in sapling.yml (websocket, redis or stdio)")
	printer.Printf("  2. Start a receiver:  sapling serve --out %s\n", ReceivedDir)
	printer.Println("  3. Send a file:       sapling send path/to/file.yml")
}

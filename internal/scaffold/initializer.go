package scaffold

import (
	"embed"
	"fmt"
	"os"

	"github.com/cmalloy/pvbridge/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFileName is the config file created in the current directory.
const ConfigFileName = "pvbridge.yml"

// Initialize creates a starter pvbridge.yml wired to the built-in demo model.
// If force is true, an existing pvbridge.yml is removed first.
func Initialize(force bool) error {
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	content, err := templatesFS.ReadFile("templates/pvbridge.yml.tmpl")
	if err != nil {
		return fmt.Errorf("failed to read pvbridge.yml template: %w", err)
	}

	if err := os.WriteFile(ConfigFileName, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", ConfigFileName, err)
	}

	if err := validateCreatedConfig(); err != nil {
		return err
	}

	return nil
}

// handleForce removes the existing config if --force was specified
func handleForce() error {
	if _, err := os.Stat(ConfigFileName); err == nil {
		fmt.Printf("⚠️  Removing existing %s...\n", ConfigFileName)
		if err := os.Remove(ConfigFileName); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ConfigFileName, err)
		}
	}

	return nil
}

// validateCreatedConfig loads the written file through the real config
// parser, so a broken template fails init rather than a later serve.
func validateCreatedConfig() error {
	if _, err := config.Load(ConfigFileName); err != nil {
		return fmt.Errorf("created %s is not a valid config: %w", ConfigFileName, err)
	}

	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized pvbridge project!")
	fmt.Println("\nCreated:")
	fmt.Printf("  ✓ %s\n", ConfigFileName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Customize pvbridge.yml with your model's variables and routing")
	fmt.Println("  2. Run 'pvbridge up' to start the instance infrastructure")
	fmt.Println("  3. Run 'pvbridge serve' to serve the model's process variables")
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/jmorganca/zoo/envconfig"
)

// LoadDotEnv loads environment variables from $ZOO_HOME/.env and reloads
// the settings derived from them. A missing file is not an error.
func LoadDotEnv() error {
	envPath := filepath.Join(envconfig.Home, ".env")

	if _, err := os.Stat(envPath); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check if .env file exists: %w", err)
	}

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("could not load %s: %w", envPath, err)
	}

	envconfig.LoadConfig()
	return nil
}

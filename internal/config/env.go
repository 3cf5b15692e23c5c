package config

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// loadDotEnv reads path into the process environment. Variables already
// present in the environment win over file values.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}

func loadDotEnvIfPresent(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := loadDotEnv(path); err != nil {
		slog.Warn("failed to load env file", "path", path, "error", err)
	}
}

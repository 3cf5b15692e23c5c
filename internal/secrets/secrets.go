package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials matches the optional secrets yaml file. Environment variables
// override file values, so a missing file is fine when the environment
// carries the full set.
type Credentials struct {
	Alpaca struct {
		KeyID     string `yaml:"key_id"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"alpaca"`
	TwelveData struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"twelve_data"`
	FMP struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"fmp"`
}

func Load(path string) (Credentials, error) {
	var creds Credentials

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &creds); err != nil {
				return Credentials{}, fmt.Errorf("failed to parse secrets file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("failed to read secrets file: %w", err)
		}
	}

	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		creds.Alpaca.KeyID = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		creds.Alpaca.SecretKey = v
	}
	if v := os.Getenv("TWELVE_DATA_API_KEY"); v != "" {
		creds.TwelveData.APIKey = v
	}
	if v := os.Getenv("FMP_API_KEY"); v != "" {
		creds.FMP.APIKey = v
	}

	return creds, nil
}

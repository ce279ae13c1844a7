package certpilot

import (
	"fmt"

	"github.com/go-acme/lego/v4/lego"
	"github.com/pelletier/go-toml/v2"
)

// BlueprintConfig returns a configuration filled with example values and staging as
// CA. Placeholders must be replaced before use.
func BlueprintConfig() *Config {
	cfg := DefaultConfig()
	cfg.Email = "your-acme-account@example.com"
	cfg.Domains = []string{"example.com", "www.example.com"}
	cfg.CADirectoryURL = lego.LEDirectoryStaging
	cfg.Storage.DatabasePath = "/var/lib/certpilot/certpilot.db"
	cfg.Challenge.Webroot = "/var/www/html"
	cfg.Installer.Kind = InstallerAPI
	cfg.Installer.BaseURL = "https://panel.example.com"
	cfg.Installer.InstallPath = "/api/ssl/install"
	cfg.Installer.APIToken = "SET_CERTPILOT_INSTALLER_API_TOKEN_OR_USE_SECRETS_FILE"
	cfg.Server.TriggerToken = "SET_CERTPILOT_SERVER_TRIGGER_TOKEN_OR_USE_SECRETS_FILE"
	cfg.Log.AuditFile = "/var/log/certpilot/audit.log"
	return cfg
}

// MarshalTOML renders cfg with field comments.
func MarshalTOML(cfg *Config) ([]byte, error) {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return b, nil
}

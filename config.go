package certpilot

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-acme/lego/v4/lego"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override, e.g. CERTPILOT_EMAIL.
const EnvPrefix = "CERTPILOT_"

const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"

	DNSProviderCloudflare = "cloudflare"

	DryRunSkipInstall = "skip-install"
	DryRunSkipACME    = "skip-acme"

	InstallerAPI    = "api"
	InstallerForm   = "form"
	InstallerManual = "manual"

	AuthSession = "session"
	AuthToken   = "token"
)

// Duration is a time.Duration that reads and writes as "90s", "5m" and so on.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete process configuration. It is built once at startup and
// passed by reference.
type Config struct {
	Email                   string   `toml:"email" env:"EMAIL" comment:"ACME account email"`
	Domains                 []string `toml:"domains" env:"DOMAINS" envSeparator:"," comment:"Primary domain first, then alternative names"`
	CADirectoryURL          string   `toml:"ca_directory_url" env:"CA_DIRECTORY_URL" comment:"ACME directory URL"`
	Staging                 bool     `toml:"staging" env:"STAGING" comment:"Use the Let's Encrypt staging directory"`
	KeyType                 string   `toml:"key_type" env:"KEY_TYPE" comment:"Domain key type (RSA2048, RSA4096, EC256, EC384)"`
	AccountKeyType          string   `toml:"account_key_type" env:"ACCOUNT_KEY_TYPE" comment:"Account key type"`
	RenewalDaysBeforeExpiry int      `toml:"renewal_days_before_expiry" env:"RENEWAL_DAYS_BEFORE_EXPIRY" comment:"Days before expiry to renew"`
	DryRunMode              string   `toml:"dry_run_mode" env:"DRY_RUN_MODE" comment:"What --dry-run skips: skip-install or skip-acme"`
	RunTimeout              Duration `toml:"run_timeout" env:"RUN_TIMEOUT" comment:"Deadline for one renewal run"`
	SecretsFile             string   `toml:"secrets_file" env:"SECRETS_FILE" comment:"Optional age-encrypted TOML file with secrets"`
	AgeIdentityFile         string   `toml:"age_identity_file" env:"AGE_IDENTITY_FILE" comment:"age identity used to decrypt secrets_file"`

	Storage   StorageConfig   `toml:"storage" envPrefix:"STORAGE_"`
	Challenge ChallengeConfig `toml:"challenge" envPrefix:"CHALLENGE_"`
	Polling   PollingConfig   `toml:"polling" envPrefix:"POLLING_"`
	Installer InstallerConfig `toml:"installer" envPrefix:"INSTALLER_"`
	Server    ServerConfig    `toml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
}

type StorageConfig struct {
	KeyDir       string `toml:"key_dir" env:"KEY_DIR" comment:"Directory holding account and domain keys"`
	CertDir      string `toml:"cert_dir" env:"CERT_DIR" comment:"Directory holding issued bundles"`
	DatabasePath string `toml:"database_path" env:"DATABASE_PATH" comment:"SQLite file for run history (empty keeps history in memory)"`
}

type ChallengeConfig struct {
	Type                string   `toml:"type" env:"TYPE" comment:"http-01 or dns-01"`
	Webroot             string   `toml:"webroot" env:"WEBROOT" comment:"Web root served by the existing web server (http-01)"`
	DNSProvider         string   `toml:"dns_provider" env:"DNS_PROVIDER" comment:"DNS provider for dns-01 (cloudflare)"`
	CloudflareAPIToken  string   `toml:"cloudflare_api_token" env:"CLOUDFLARE_API_TOKEN" comment:"Cloudflare API token (prefer env or secrets_file)"`
	Nameservers         []string `toml:"nameservers" env:"NAMESERVERS" envSeparator:"," comment:"Resolvers used to check dns-01 propagation"`
	PropagationTimeout  Duration `toml:"propagation_timeout" env:"PROPAGATION_TIMEOUT"`
	PropagationInterval Duration `toml:"propagation_interval" env:"PROPAGATION_INTERVAL"`
}

type PollingConfig struct {
	Interval     Duration `toml:"interval" env:"INTERVAL"`
	Timeout      Duration `toml:"timeout" env:"TIMEOUT"`
	Retries      int      `toml:"retries" env:"RETRIES"`
	RetryBackoff Duration `toml:"retry_backoff" env:"RETRY_BACKOFF"`
}

type InstallerConfig struct {
	Kind               string   `toml:"kind" env:"KIND" comment:"api, form or manual"`
	BaseURL            string   `toml:"base_url" env:"BASE_URL" comment:"Control panel base URL"`
	InstallPath        string   `toml:"install_path" env:"INSTALL_PATH"`
	LoginPath          string   `toml:"login_path" env:"LOGIN_PATH"`
	Auth               string   `toml:"auth" env:"AUTH" comment:"session or token"`
	Username           string   `toml:"username" env:"USERNAME"`
	Password           string   `toml:"password" env:"PASSWORD"`
	APIToken           string   `toml:"api_token" env:"API_TOKEN"`
	SuccessPath        string   `toml:"success_path" env:"SUCCESS_PATH" comment:"JSON path of the success indicator (api)"`
	SuccessValue       string   `toml:"success_value" env:"SUCCESS_VALUE"`
	MessagePath        string   `toml:"message_path" env:"MESSAGE_PATH"`
	SuccessMarker      string   `toml:"success_marker" env:"SUCCESS_MARKER" comment:"Text the panel page shows on success (form)"`
	Timeout            Duration `toml:"timeout" env:"TIMEOUT"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

type ServerConfig struct {
	Addr         string `toml:"addr" env:"ADDR"`
	TriggerToken string `toml:"trigger_token" env:"TRIGGER_TOKEN" comment:"Bearer token for POST /certificate/renew"`
}

type LogConfig struct {
	Level           string `toml:"level" env:"LEVEL"`
	AuditFile       string `toml:"audit_file" env:"AUDIT_FILE"`
	AuditMaxSizeMB  int    `toml:"audit_max_size_mb" env:"AUDIT_MAX_SIZE_MB"`
	AuditMaxBackups int    `toml:"audit_max_backups" env:"AUDIT_MAX_BACKUPS"`
	AuditMaxAgeDays int    `toml:"audit_max_age_days" env:"AUDIT_MAX_AGE_DAYS"`
}

// DefaultConfig returns a configuration with every optional field set.
func DefaultConfig() *Config {
	return &Config{
		CADirectoryURL:          lego.LEDirectoryProduction,
		KeyType:                 "RSA2048",
		AccountKeyType:          "EC256",
		RenewalDaysBeforeExpiry: 30,
		DryRunMode:              DryRunSkipInstall,
		RunTimeout:              Duration{15 * time.Minute},
		Storage: StorageConfig{
			KeyDir:  "/var/lib/certpilot/keys",
			CertDir: "/var/lib/certpilot/certs",
		},
		Challenge: ChallengeConfig{
			Type:                ChallengeHTTP01,
			Nameservers:         []string{"1.1.1.1:53", "8.8.8.8:53"},
			PropagationTimeout:  Duration{2 * time.Minute},
			PropagationInterval: Duration{5 * time.Second},
		},
		Polling: PollingConfig{
			Interval:     Duration{2 * time.Second},
			Timeout:      Duration{5 * time.Minute},
			Retries:      3,
			RetryBackoff: Duration{500 * time.Millisecond},
		},
		Installer: InstallerConfig{
			Kind:         InstallerManual,
			Auth:         AuthToken,
			SuccessPath:  "success",
			SuccessValue: "true",
			MessagePath:  "message",
			Timeout:      Duration{30 * time.Second},
		},
		Server: ServerConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:           "info",
			AuditMaxSizeMB:  10,
			AuditMaxBackups: 5,
		},
	}
}

// LoadConfig reads the TOML file at path on top of the defaults, then applies
// CERTPILOT_* environment overrides and the optional encrypted secrets file.
// The result is not validated.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("read %s: %w", path, err)}
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("environment: %w", err)}
	}
	if cfg.SecretsFile != "" {
		if err := cfg.applySecretsFile(); err != nil {
			return nil, &ConfigError{Err: err}
		}
	}
	return cfg, nil
}

// DirectoryURL returns the ACME directory to use.
func (c *Config) DirectoryURL() string {
	if c.Staging {
		return lego.LEDirectoryStaging
	}
	if c.CADirectoryURL == "" {
		return lego.LEDirectoryProduction
	}
	return c.CADirectoryURL
}

// PrimaryDomain returns the first configured domain.
func (c *Config) PrimaryDomain() string {
	return primary(c.Domains)
}

// PollConfig converts the polling section.
func (c *Config) PollConfig() PollConfig {
	return PollConfig{
		Interval:     c.Polling.Interval.Duration,
		Timeout:      c.Polling.Timeout.Duration,
		Retries:      c.Polling.Retries,
		RetryBackoff: c.Polling.RetryBackoff.Duration,
	}
}

// Validate checks that everything a renewal run needs is present.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Email) == "" {
		add("email cannot be empty")
	}
	if len(c.Domains) == 0 {
		add("domains cannot be empty")
	}
	for _, d := range c.Domains {
		if err := validateDomain(d, c.Challenge.Type); err != nil {
			errs = append(errs, err)
		}
	}
	if !c.Staging {
		if u, err := url.Parse(c.DirectoryURL()); err != nil || u.Scheme == "" || u.Host == "" {
			add("ca_directory_url %q is not a valid URL", c.CADirectoryURL)
		}
	}
	if _, err := KeyTypeFromString(c.KeyType); err != nil {
		add("key_type: %v", err)
	}
	if _, err := KeyTypeFromString(c.AccountKeyType); err != nil {
		add("account_key_type: %v", err)
	}
	if c.RenewalDaysBeforeExpiry <= 0 {
		add("renewal_days_before_expiry must be positive")
	}
	switch c.DryRunMode {
	case DryRunSkipInstall, DryRunSkipACME:
	default:
		add("dry_run_mode must be %q or %q", DryRunSkipInstall, DryRunSkipACME)
	}
	if c.Storage.KeyDir == "" {
		add("storage.key_dir cannot be empty")
	}
	if c.Storage.CertDir == "" {
		add("storage.cert_dir cannot be empty")
	}
	if c.Polling.Interval.Duration <= 0 || c.Polling.Timeout.Duration <= 0 {
		add("polling.interval and polling.timeout must be positive")
	}

	switch c.Challenge.Type {
	case ChallengeHTTP01:
		if c.Challenge.Webroot == "" {
			add("challenge.webroot cannot be empty for http-01")
		}
	case ChallengeDNS01:
		switch c.Challenge.DNSProvider {
		case DNSProviderCloudflare:
			if c.Challenge.CloudflareAPIToken == "" {
				add("challenge.cloudflare_api_token cannot be empty when dns_provider is 'cloudflare'")
			}
		default:
			add("challenge.dns_provider %q is not supported", c.Challenge.DNSProvider)
		}
	default:
		add("challenge.type must be %q or %q", ChallengeHTTP01, ChallengeDNS01)
	}

	errs = append(errs, c.Installer.validate()...)

	if len(errs) > 0 {
		return &ConfigError{Err: errors.Join(errs...)}
	}
	return nil
}

// ValidateServer checks the settings only the trigger server needs.
func (c *Config) ValidateServer() error {
	if c.Server.TriggerToken == "" {
		return &ConfigError{Err: errors.New("server.trigger_token cannot be empty")}
	}
	if c.Server.Addr == "" {
		return &ConfigError{Err: errors.New("server.addr cannot be empty")}
	}
	return nil
}

func (ic *InstallerConfig) validate() []error {
	var errs []error
	switch ic.Kind {
	case InstallerManual:
		return nil
	case InstallerAPI, InstallerForm:
	default:
		return []error{fmt.Errorf("installer.kind must be %q, %q or %q", InstallerAPI, InstallerForm, InstallerManual)}
	}

	if u, err := url.Parse(ic.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("installer.base_url %q is not a valid URL", ic.BaseURL))
	}
	if ic.InstallPath == "" {
		errs = append(errs, errors.New("installer.install_path cannot be empty"))
	}

	if ic.Kind == InstallerForm {
		if ic.LoginPath == "" || ic.Username == "" || ic.Password == "" {
			errs = append(errs, errors.New("installer.login_path, username and password are required for form installs"))
		}
		if ic.SuccessMarker == "" {
			errs = append(errs, errors.New("installer.success_marker cannot be empty for form installs"))
		}
		return errs
	}

	switch ic.Auth {
	case AuthToken:
		if ic.APIToken == "" {
			errs = append(errs, errors.New("installer.api_token cannot be empty when auth is 'token'"))
		}
	case AuthSession:
		if ic.LoginPath == "" || ic.Username == "" || ic.Password == "" {
			errs = append(errs, errors.New("installer.login_path, username and password are required when auth is 'session'"))
		}
	default:
		errs = append(errs, fmt.Errorf("installer.auth must be %q or %q", AuthToken, AuthSession))
	}
	if ic.SuccessPath == "" {
		errs = append(errs, errors.New("installer.success_path cannot be empty"))
	}
	return errs
}

func validateDomain(d, challengeType string) error {
	d = strings.TrimSpace(d)
	switch {
	case d == "":
		return errors.New("domain entries cannot be empty")
	case strings.ContainsAny(d, " /\\:@"):
		return fmt.Errorf("domain %q contains invalid characters", d)
	case !strings.Contains(d, "."):
		return fmt.Errorf("domain %q is not fully qualified", d)
	case strings.HasPrefix(d, "*.") && challengeType != ChallengeDNS01:
		return fmt.Errorf("wildcard domain %q requires dns-01", d)
	}
	return nil
}

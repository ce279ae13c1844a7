package certpilot

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/pelletier/go-toml/v2"
)

// Secrets is the content of the encrypted secrets file. Non-empty fields override
// the plain configuration.
type Secrets struct {
	CloudflareAPIToken string `toml:"cloudflare_api_token"`
	PanelPassword      string `toml:"panel_password"`
	PanelAPIToken      string `toml:"panel_api_token"`
	TriggerToken       string `toml:"trigger_token"`
}

func (c *Config) applySecretsFile() error {
	if c.AgeIdentityFile == "" {
		return errors.New("secrets_file is set but age_identity_file is empty")
	}
	idData, err := os.ReadFile(c.AgeIdentityFile)
	if err != nil {
		return fmt.Errorf("read age identity %s: %w", c.AgeIdentityFile, err)
	}
	enc, err := os.ReadFile(c.SecretsFile)
	if err != nil {
		return fmt.Errorf("read secrets %s: %w", c.SecretsFile, err)
	}
	s, err := DecryptSecrets(enc, idData)
	if err != nil {
		return fmt.Errorf("secrets %s: %w", c.SecretsFile, err)
	}
	c.ApplySecrets(s)
	return nil
}

// ApplySecrets overlays the non-empty secrets on the configuration.
func (c *Config) ApplySecrets(s *Secrets) {
	if s.CloudflareAPIToken != "" {
		c.Challenge.CloudflareAPIToken = s.CloudflareAPIToken
	}
	if s.PanelPassword != "" {
		c.Installer.Password = s.PanelPassword
	}
	if s.PanelAPIToken != "" {
		c.Installer.APIToken = s.PanelAPIToken
	}
	if s.TriggerToken != "" {
		c.Server.TriggerToken = s.TriggerToken
	}
}

// DecryptSecrets decrypts an age file, armored or binary, with the identities in
// identityData and parses the TOML inside.
func DecryptSecrets(encrypted, identityData []byte) (*Secrets, error) {
	identities, err := age.ParseIdentities(bytes.NewReader(identityData))
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}

	var src io.Reader = bytes.NewReader(encrypted)
	if bytes.HasPrefix(bytes.TrimSpace(encrypted), []byte(armor.Header)) {
		src = armor.NewReader(bytes.NewReader(bytes.TrimSpace(encrypted)))
	}
	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	var s Secrets
	if err := toml.Unmarshal(plain, &s); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return &s, nil
}

// EncryptSecrets serializes s and encrypts it for the given age recipients
// ("age1..." strings) as an armored file.
func EncryptSecrets(s *Secrets, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	var rcpts []age.Recipient
	for _, r := range recipients {
		parsed, err := age.ParseRecipients(bufio.NewReader(strings.NewReader(r)))
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", r, err)
		}
		rcpts = append(rcpts, parsed...)
	}

	plain, err := toml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, rcpts...)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("armor: %w", err)
	}
	return buf.Bytes(), nil
}

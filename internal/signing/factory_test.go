package signing

import (
	"context"
	"errors"
	"testing"

	"pdp-submission-service/config"
	"pdp-submission-service/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Signing: config.SigningConfig{
			Backend:    "simulator",
			KeyStore:   "file",
			KeyDir:     t.TempDir(),
			Encrypter:  "passphrase",
			Passphrase: "correct horse battery staple",
			PKCS11Slot: -1,
		},
	}
}

func TestNewProvider_Simulator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signing.ProviderName = "local-dev"

	p, err := NewProvider(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer p.Close()

	status, err := p.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Backend != domain.BackendSimulator || status.Provider != "local-dev" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestNewProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		want   error
	}{
		{
			name:   "unknown backend",
			mutate: func(cfg *config.Config) { cfg.Signing.Backend = "quantum" },
			want:   domain.ErrUnsupportedBackend,
		},
		{
			name: "cloud without key ring",
			mutate: func(cfg *config.Config) {
				cfg.Signing.Backend = "cloud"
			},
			want: domain.ErrUnsupportedBackend,
		},
		{
			name: "hardware without library",
			mutate: func(cfg *config.Config) {
				cfg.Signing.Backend = "hardware"
			},
			want: domain.ErrUnsupportedBackend,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := NewProvider(context.Background(), cfg, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNewProvider_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"short passphrase", func(cfg *config.Config) { cfg.Signing.Passphrase = "short" }},
		{"unknown encrypter", func(cfg *config.Config) { cfg.Signing.Encrypter = "rot13" }},
		{"kms encrypter without key name", func(cfg *config.Config) { cfg.Signing.Encrypter = "kms" }},
		{"database store without db", func(cfg *config.Config) { cfg.Signing.KeyStore = "database" }},
		{"unknown store", func(cfg *config.Config) { cfg.Signing.KeyStore = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := NewProvider(context.Background(), cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

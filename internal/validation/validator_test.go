package validation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/validation"
)

type hostConfig struct {
	Hostname string `yaml:"hostname" validate:"required,max=255"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
}

type testConfig struct {
	Table   string        `yaml:"table" validate:"required,sqlident"`
	Host    hostConfig    `yaml:"host"`
	Timeout time.Duration `yaml:"timeout" validate:"min=1ms,max=10m"`
	Mode    string        `yaml:"mode" validate:"oneof=BLACKLIST WHITELIST DISABLED"`
}

func validConfig() testConfig {
	return testConfig{
		Table:   "patch_place_break_tag",
		Host:    hostConfig{Hostname: "localhost", Port: 3306},
		Timeout: 30 * time.Second,
		Mode:    "DISABLED",
	}
}

func TestValidator_ValidateSuccess(t *testing.T) {
	assert.NoError(t, validation.New().Validate(validConfig()))
}

func TestValidator_ValidateErrors(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*testConfig)
		wantField string
	}{
		{"port zero", func(c *testConfig) { c.Host.Port = 0 }, "host.port"},
		{"port too large", func(c *testConfig) { c.Host.Port = 65536 }, "host.port"},
		{"empty hostname", func(c *testConfig) { c.Host.Hostname = "" }, "host.hostname"},
		{"table with spaces", func(c *testConfig) { c.Table = "tags; DROP TABLE x" }, "table"},
		{"timeout too long", func(c *testConfig) { c.Timeout = time.Hour }, "timeout"},
		{"unknown mode", func(c *testConfig) { c.Mode = "GREYLIST" }, "mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := validation.New().Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, domainerrors.ErrValidation)

			var domainErr *domainerrors.Error
			require.ErrorAs(t, err, &domainErr)
			details, ok := domainErr.Details.(map[string]string)
			require.True(t, ok)
			assert.Contains(t, details, tt.wantField)
			assert.Contains(t, err.Error(), tt.wantField)
		})
	}
}

func TestValidator_HostnameLength(t *testing.T) {
	cfg := validConfig()
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	cfg.Host.Hostname = string(long)

	assert.Error(t, validation.New().Validate(cfg))
}

package configs

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestNewConfig(t *testing.T) {
	t.Setenv("RFIDAGENT_CONTROL_PLANE_URL", "https://cloud.example.com")
	t.Setenv("RFIDAGENT_BATCH_SIZE", "50")

	err, cfg := NewConfig("rfidagent")
	if err != nil {
		t.Fatalf("Could not read configuration: %s", err)
	}
	if cfg.ControlPlaneURL != "https://cloud.example.com" {
		t.Errorf("Got URL %q", cfg.ControlPlaneURL)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("Got batch size %d; want 50", cfg.BatchSize)
	}
	if cfg.ReconnectInterval != 60*time.Second || cfg.BufferCapacity != 10000 || cfg.RefreshMargin != 5*time.Minute {
		t.Errorf("Defaults not applied: %+v", cfg)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("RFIDAGENT_CONTROL_PLANE_URL", "https://cloud.example.com")
	t.Setenv("RFIDAGENT_MAX_RETRIES", "5")

	err, cfg := NewConfig("rfidagent")
	if err != nil {
		t.Fatalf("Could not read configuration: %s", err)
	}
	fs := pflag.NewFlagSet("rfid-agent", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	if err := fs.Parse([]string{"--control-plane-url", "https://other.example.com", "--reconnect-interval=5s"}); err != nil {
		t.Fatalf("Could not parse flags: %s", err)
	}
	if cfg.ControlPlaneURL != "https://other.example.com" {
		t.Errorf("Flag did not override environment: %q", cfg.ControlPlaneURL)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("Environment value lost: %d", cfg.MaxRetries)
	}
	if cfg.ReconnectInterval != 5*time.Second {
		t.Errorf("Got reconnect interval %s; want 5s", cfg.ReconnectInterval)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"Defaults", func(c *Config) {}, true},
		{"Largest batch the control plane accepts", func(c *Config) { c.BatchSize = 1000 }, true},
		{"Batch above the control plane limit", func(c *Config) { c.BatchSize = 1001 }, false},
		{"Empty batch", func(c *Config) { c.BatchSize = 0 }, false},
		{"No buffer", func(c *Config) { c.BufferCapacity = 0 }, false},
		{"Negative retries", func(c *Config) { c.MaxRetries = -1 }, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err, cfg := NewConfig("rfidagentvalidate")
			if err != nil {
				t.Fatalf("Could not read configuration: %s", err)
			}
			tc.modify(&cfg)
			err = cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Got error %s", err)
			}
			if !tc.ok && err == nil {
				t.Errorf("Expected an error")
			}
		})
	}
}

func TestBatchSizeFlagIsValidated(t *testing.T) {
	err, cfg := NewConfig("rfidagentvalidate")
	if err != nil {
		t.Fatalf("Could not read configuration: %s", err)
	}
	fs := pflag.NewFlagSet("rfid-agent", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	if err := fs.Parse([]string{"--batch-size=1500"}); err != nil {
		t.Fatalf("Could not parse flags: %s", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Batch size 1500 accepted")
	}
}

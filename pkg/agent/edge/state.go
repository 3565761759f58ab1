// Package edge holds what the agent knows about the machine it runs on: the
// provisioned identity, the hardware fingerprint and host metrics.
package edge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

var ErrNotProvisioned = errors.New("device not provisioned")

// State is the small file written when a device is provisioned. It names
// the device and the control plane it belongs to and holds no secret.
type State struct {
	DeviceID        string `yaml:"device_id"`
	ControlPlaneURL string `yaml:"control_plane_url,omitempty"`
	Fingerprint     string `yaml:"fingerprint,omitempty"`
}

func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrNotProvisioned
	}
	if err != nil {
		return State{}, fmt.Errorf("reading state file: %w", err)
	}
	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if s.DeviceID == "" {
		return State{}, fmt.Errorf("%w: %s has no device_id", ErrNotProvisioned, path)
	}
	return s, nil
}

func SaveState(path string, s State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return os.Rename(tmp, path)
}

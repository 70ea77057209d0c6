// Package settings persists the node's radio parameters and role across
// restarts. Storage is a small YAML file written atomically, so a power cut
// mid-save never leaves a torn file behind.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/stormsense/loralink/radio"
)

// Settings is the durable state of one node.
type Settings struct {
	Freq   *float64 `yaml:"freq,omitempty"`
	BW     *float64 `yaml:"bw,omitempty"`
	SF     *int     `yaml:"sf,omitempty"`
	CR     *int     `yaml:"cr,omitempty"`
	TX     *int     `yaml:"tx,omitempty"`
	Sender *bool    `yaml:"sender,omitempty"`
}

// Store reads and writes one settings file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads persisted settings and merges them over the given defaults.
// A missing file or missing key falls back per-field; a corrupt file is an
// error so the caller can decide whether to start fresh.
func (s *Store) Load(defaults radio.Params, defaultSender bool) (radio.Params, bool, error) {
	params := defaults
	sender := defaultSender

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return params, sender, nil
		}
		return params, sender, fmt.Errorf("read settings: %w", err)
	}

	var st Settings
	if err := yaml.Unmarshal(data, &st); err != nil {
		return params, sender, fmt.Errorf("parse settings %s: %w", s.path, err)
	}

	if st.Freq != nil {
		params.FrequencyMHz = *st.Freq
	}
	if st.BW != nil {
		params.BandwidthKHz = *st.BW
	}
	if st.SF != nil {
		params.SpreadingFactor = *st.SF
	}
	if st.CR != nil {
		params.CodingRate = *st.CR
	}
	if st.TX != nil {
		params.TxPowerDbm = *st.TX
	}
	if st.Sender != nil {
		sender = *st.Sender
	}
	return params, sender, nil
}

// Save writes the full settings atomically: temp file, sync, rename.
func (s *Store) Save(params radio.Params, sender bool) error {
	st := Settings{
		Freq:   &params.FrequencyMHz,
		BW:     &params.BandwidthKHz,
		SF:     &params.SpreadingFactor,
		CR:     &params.CodingRate,
		TX:     &params.TxPowerDbm,
		Sender: &sender,
	}

	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".loralink-settings-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file to %s: %w", s.path, err)
	}
	return nil
}

// Package config loads the daemon configuration: YAML file, then
// environment overrides. The .env file is loaded by the root command before
// this runs, so plain os.Getenv sees both.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/stormsense/loralink/radio"
)

type Config struct {
	Radio    RadioConfig    `yaml:"radio"`
	Node     NodeConfig     `yaml:"node"`
	Firmware FirmwareConfig `yaml:"firmware"`
	Server   ServerConfig   `yaml:"server"`
}

type RadioConfig struct {
	// "rylr" drives a RYLR896 modem over serial, "demo" runs without
	// hardware
	Type      string `yaml:"type"`
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	Address   int    `yaml:"address"`
	PeerAddr  int    `yaml:"peer_addr"`
	NetworkID int    `yaml:"network_id"`
}

type NodeConfig struct {
	Sender       bool   `yaml:"sender"`
	SettingsPath string `yaml:"settings_path"`
	FlashPath    string `yaml:"flash_path"`
	MaxImageSize int    `yaml:"max_image_size"`
}

type FirmwareConfig struct {
	Dir string `yaml:"dir"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

func Default() *Config {
	return &Config{
		Radio: RadioConfig{
			Type:      "rylr",
			Port:      "/dev/ttyUSB0",
			BaudRate:  115200,
			Address:   1,
			PeerAddr:  0,
			NetworkID: 18,
		},
		Node: NodeConfig{
			Sender:       false,
			SettingsPath: "/var/lib/loralink/settings.yaml",
			FlashPath:    "/var/lib/loralink/staged.bin",
			MaxImageSize: 4 << 20,
		},
		Firmware: FirmwareConfig{
			Dir: "/var/lib/loralink/firmware",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads the YAML file at path and applies environment overrides. A
// missing file is fine, defaults carry the day; a malformed one is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("no config file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Info("loaded config", "path", path)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Radio.Type, "RADIO_TYPE")
	setString(&c.Radio.Port, "RADIO_PORT")
	setInt(&c.Radio.BaudRate, "RADIO_BAUD")
	setInt(&c.Radio.Address, "RADIO_ADDRESS")
	setInt(&c.Radio.PeerAddr, "RADIO_PEER")
	setInt(&c.Radio.NetworkID, "RADIO_NETWORK_ID")
	setBool(&c.Node.Sender, "NODE_SENDER")
	setString(&c.Node.SettingsPath, "NODE_SETTINGS_PATH")
	setString(&c.Node.FlashPath, "NODE_FLASH_PATH")
	setString(&c.Firmware.Dir, "FIRMWARE_DIR")
	setString(&c.Server.ListenAddr, "LISTEN_ADDR")
}

func (c *Config) validate() error {
	switch c.Radio.Type {
	case "rylr", "demo":
	default:
		return fmt.Errorf("unknown radio type %q", c.Radio.Type)
	}
	if c.Radio.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Radio.BaudRate)
	}
	if c.Node.MaxImageSize <= 0 {
		return fmt.Errorf("invalid max image size %d", c.Node.MaxImageSize)
	}
	return nil
}

// DefaultParams are the radio parameters a factory-fresh node starts on,
// before any persisted settings apply.
func (c *Config) DefaultParams() radio.Params {
	return radio.Default()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

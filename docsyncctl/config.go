package main

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultApiUrl = "https://repository.newsroom.example"
const DefaultSocketUrl = "wss://repository.newsroom.example/websocket"
const DefaultCollabUrl = "wss://collab.newsroom.example/collab"

// file config. Unset fields keep the defaults.
type Config struct {
	ApiUrl    string `yaml:"api_url"`
	SocketUrl string `yaml:"socket_url"`
	CollabUrl string `yaml:"collab_url"`
	// bbolt file for local document data
	DataPath string `yaml:"data_path"`
	// serves /metrics when set
	MetricsAddr string `yaml:"metrics_addr"`

	IncludeRel       string        `yaml:"include_rel"`
	MetricKinds      []string      `yaml:"metric_kinds"`
	StatusDecorator  bool          `yaml:"status_decorator"`
	Debounce         time.Duration `yaml:"debounce"`
	CleanupDelay     time.Duration `yaml:"cleanup_delay"`
	LocalSyncTimeout time.Duration `yaml:"local_sync_timeout"`
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
	RefreshBefore    time.Duration `yaml:"refresh_before"`
}

func DefaultConfig() *Config {
	return &Config{
		ApiUrl:           DefaultApiUrl,
		SocketUrl:        DefaultSocketUrl,
		CollabUrl:        DefaultCollabUrl,
		DataPath:         "docsync.db",
		IncludeRel:       "deliverable",
		MetricKinds:      []string{"charcount"},
		StatusDecorator:  true,
		Debounce:         500 * time.Millisecond,
		CleanupDelay:     5 * time.Second,
		LocalSyncTimeout: 10 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		RefreshBefore:    60 * time.Second,
	}
}

// a missing file yields the defaults
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

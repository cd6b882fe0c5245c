package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the agentd flag set for file-based configuration,
// in the manner of the teacher's apply.go manifest decoding. Flags always
// win over a loaded file, which in turn wins over the built-in defaults.
type fileConfig struct {
	Addr                  string        `yaml:"addr"`
	Workspace             string        `yaml:"workspace"`
	MaxFileSize           int64         `yaml:"maxFileSize"`
	Token                 string        `yaml:"token"`
	LogLevel              string        `yaml:"logLevel"`
	LogJSON               bool          `yaml:"logJSON"`
	ExcludedPorts         []int         `yaml:"excludedPorts"`
	PingPeriod            time.Duration `yaml:"pingPeriod"`
	ReadTimeout           time.Duration `yaml:"readTimeout"`
	MaxMessageSize        int64         `yaml:"maxMessageSize"`
	HealthCheckInterval   time.Duration `yaml:"healthCheckInterval"`
	BufferCleanupInterval time.Duration `yaml:"bufferCleanupInterval"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Package config loads the server and router agent configuration files.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

const envPrefix = "DEFENDERHUB_"

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// readFile decodes path into out. A missing file leaves out untouched.
func readFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

func envOverride(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func (t *TracingConfig) normalize() {
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		t.SampleRatio = 1
	}
}

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

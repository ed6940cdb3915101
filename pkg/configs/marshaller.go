package configs

import (
	"os"

	xe "github.com/opst/kjobs/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads the config file, applying environment variables.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, xe.NewConfigurationCausedBy("cannot read config file "+filepath, err)
	}
	return Unmarshal(content, os.Getenv)
}

// Unmarshal parses and seals config.
//
// Environment variables, looked up with getenv, override the signature (KJOBS_SIGNATURE)
// and the namespace (KJOBS_NAMESPACE).
func Unmarshal(conf []byte, getenv func(string) string) (*Config, error) {
	var m *ConfigMarshall
	if err := yaml.Unmarshal(conf, &m); err != nil {
		return nil, xe.NewConfigurationCausedBy("config is not a yaml", err)
	}
	if m == nil {
		m = &ConfigMarshall{}
	}
	if getenv != nil {
		if sig := getenv(EnvSignature); sig != "" {
			m.Signature = sig
		}
		if ns := getenv(EnvNamespace); ns != "" {
			m.Namespace = ns
		}
	}
	return Seal[*Config](m)
}

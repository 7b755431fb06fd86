package common

import (
	"os"
	"path"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type CommonConfig struct {
	PromPort        string `yaml:"prom_port"`
	HealthCheckPort string `yaml:"health_check_port"`
	PostgresConfig  string `yaml:"postgres"`
	RedisAddress    string `yaml:"redis"`
	NatsURL         string `yaml:"nats"`
	Altcurrency     string `yaml:"altcurrency"`
	LogLevel        string `yaml:"log_level"`
}

// LoadConfig reads `config.yaml` from the working directory into out
func LoadConfig(out any) (string, error) {
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	raw, err := os.ReadFile(fullPath)
	if err != nil {
		return fullPath, errors.Wrapf(err, "config file not found @ `%s`", fullPath)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fullPath, errors.Wrap(err, "failed parsing config file")
	}
	return fullPath, nil
}

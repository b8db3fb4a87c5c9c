package tokens

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"snapr-harvest/internal/components/telemetry"
)

const (
	report_config_load = "config.load"
	report_config_save = "config.save"
)

var ErrInvalidConfig = errors.New("tokens: invalid config file")

// Config is the persisted token configuration.
type Config struct {
	CurlCommand Template `json:"curl_command"`
}

// ConfigStore reads and writes the token configuration file.
type ConfigStore struct {
	path string
	tel  telemetry.API
}

func NewConfigStore(path string, tel telemetry.API) ConfigStore {
	return ConfigStore{
		path: path,
		tel:  telemetry.NewScopedAPI("token_config", tel),
	}
}

func (s ConfigStore) Path() string {
	return s.path
}

// Load reads the config file, when it does not exist the default template is
// written to it and returned.
func (s ConfigStore) Load() (Config, error) {
	contents, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		config := Config{CurlCommand: DefaultTemplate()}
		err = s.Save(config)
		if err != nil {
			s.tel.ReportWarning(report_config_load, fmt.Errorf("create default config: %w", err), s.path)
		} else {
			s.tel.ReportInfo("created default configuration file", "path", s.path)
		}
		return config, nil
	}
	if err != nil {
		s.tel.ReportBroken(report_config_load, err, s.path)
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(contents, &config)
	if err != nil {
		s.tel.ReportBroken(report_config_load, err, s.path)
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, s.path, err)
	}
	s.tel.ReportDebug("loaded configuration", s.path, len(config.CurlCommand))
	return config, nil
}

func (s ConfigStore) Save(config Config) error {
	var buff bytes.Buffer
	encoder := json.NewEncoder(&buff)
	// keep the form body readable, it is full of '&'
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	err := encoder.Encode(config)
	if err != nil {
		return err
	}
	serialized := buff.Bytes()
	err = os.MkdirAll(filepath.Dir(s.path), 0777)
	if err != nil {
		s.tel.ReportBroken(report_config_save, err, s.path)
		return err
	}
	// the template carries a live refresh token
	err = os.WriteFile(s.path, serialized, 0600)
	if err != nil {
		s.tel.ReportBroken(report_config_save, err, s.path)
		return err
	}
	s.tel.ReportDebug("saved configuration", s.path)
	return nil
}

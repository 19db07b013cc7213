package script

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the whole configuration of expecter.
type Settings struct {
	Verbose   bool     `mapstructure:"verbose"`
	LogFormat string   `mapstructure:"log_format"`
	Defaults  Defaults `mapstructure:"defaults"`
}

// Defaults apply to every script which does not set the value itself.
type Defaults struct {
	Shell    string            `mapstructure:"shell"`
	Poll     time.Duration     `mapstructure:"poll"`
	Deadline time.Duration     `mapstructure:"deadline"`
	Parallel int               `mapstructure:"parallel"`
	Env      map[string]string `mapstructure:"env"`
	// Transcripts is a directory receiving the output of each script.
	Transcripts string `mapstructure:"transcripts"`
}

// ParseSettings reads the configuration from viper. Unlike UnmarshalKey,
// it sees the flags and environment variables bound to nested keys.
func ParseSettings() (Settings, error) {
	var s Settings
	err := viper.Unmarshal(&s)
	return s, err
}

// environ expands values starting with $ from the environment of expecter.
func (d Defaults) environ(overrides map[string]string) map[string]string {
	if len(d.Env) == 0 && len(overrides) == 0 {
		return nil
	}
	env := make(map[string]string, len(d.Env)+len(overrides))
	for k, v := range d.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		// viper lowercases keys
		env[strings.ToUpper(k)] = v
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigName is the optional per-project defaults file, looked up in the
// working directory (after -C has been applied).
const ConfigName = ".girder.yml"

// fileConfig holds the settings a project can pin so every invocation
// does not need the same flags. Pointer fields distinguish "absent" from
// an explicit zero.
type fileConfig struct {
	Parallelism *int  `yaml:"parallelism"`
	KeepGoing   *int  `yaml:"keep_going"`
	Verbose     *bool `yaml:"verbose"`
}

// loadConfig reads ConfigName from the current directory. A missing file
// is not an error; a malformed one is.
func loadConfig() (fileConfig, error) {
	data, err := os.ReadFile(ConfigName)
	if errors.Is(err, fs.ErrNotExist) {
		return fileConfig{}, nil
	}
	if err != nil {
		return fileConfig{}, fmt.Errorf("read %s: %w", ConfigName, err)
	}
	var c fileConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return fileConfig{}, fmt.Errorf("parse %s: %w", ConfigName, err)
	}
	return c, nil
}

// apply copies file settings into opts for every flag the user did not
// set explicitly. Command-line flags always win.
func (c fileConfig) apply(cmd *cobra.Command, opts *BuildOptions) {
	flags := cmd.Flags()
	if c.Parallelism != nil && !flags.Changed("jobs") {
		opts.Parallelism = *c.Parallelism
	}
	if c.KeepGoing != nil && !flags.Changed("keep-going") {
		opts.KeepGoing = *c.KeepGoing
	}
	if c.Verbose != nil && !flags.Changed("verbose") {
		opts.Verbose = *c.Verbose
	}
}

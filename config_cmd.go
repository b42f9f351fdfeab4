package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# directory for downloaded audio (default: user cache dir)
# cache:
#   dir: ""
#   # hard bound on total cached audio, in MiB
#   max_size_mb: 100

# persistent key-value store for the cache index, history and stats
kv:
  # backend: sqlite, file or memory
  backend: "sqlite"
  # path: ""

# catalog:
#   # path to a YAML manifest; the built-in library is used when unset
#   manifest: ""
#   # reload the manifest when it changes on disk
#   watch: false

download:
  # give up on a stalled download after this long (0 = no timeout)
  timeout: "0s"

log:
  # debug, info, warn or error
  level: "info"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show the quietwave config file",
	Long:    paragraph(fmt.Sprintf("\n%s the quietwave config file, creating it with defaults if it doesn't exist.", keyword("Show"))),
	Example: paragraph("quietwave config\nquietwave config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		data, err := os.ReadFile(configFile)
		if err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}

		fmt.Println(subtle(configFile))
		fmt.Print(string(data))
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	}

	return nil
}

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/jtstream/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file and environment.

Environment variables use the JTSTREAM_ prefix with underscores for nesting,
e.g. ingest.port -> JTSTREAM_INGEST_PORT. PORT and HTTP_PORT are honoured
for the two listen ports.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), loaded)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file holding the defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		config.SetDefaults(v)
		defaults, err := config.FromViper(v)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return writeConfig(cmd.OutOrStdout(), defaults)
		}

		flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if configForce {
			flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		f, err := os.OpenFile(args[0], flag, 0o640)
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s exists, use --force to overwrite", args[0])
		}
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[0], err)
		}
		if err := writeConfig(f, defaults); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.ErrOrStderr(), "wrote", args[0])
		return err
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

const configHeader = `# jtstream configuration
#
# Durations accept Go syntax plus d and w units (30s, 5m, 30d, 2w).
# Sizes accept units (64KiB, 1MB).
# Any key can be overridden by JTSTREAM_<SECTION>_<KEY>.

`

func writeConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.Write(data)
	_, err = w.Write(buf.Bytes())
	return err
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// rendering durations and sizes in their human readable forms.
func toMap(v any) map[string]any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Pointer {
		val = val.Elem()
	}
	typ := val.Type()
	result := make(map[string]any, val.NumField())

	for i := range val.NumField() {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			// Go syntax, so the output loads back unchanged.
			result[key] = fv.String()
		case config.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

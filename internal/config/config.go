// Package config holds the liveviewd configuration and the logic that merges
// flags, environment and a config file into it.
package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zoravur/liveview/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. LIVEVIEW_DSN or
// LIVEVIEW_LOG_LEVEL.
const EnvPrefix = "LIVEVIEW"

// Drivers lists the accepted values of the driver option.
var Drivers = []string{"memory", "postgres", "pgx", "mysql"}

type Config struct {
	Listen        string
	Driver        string
	DSN           string
	SchemaFile    string
	MigrationsDir string
	// CatalogSchema names the Postgres schema whose tables are adopted at
	// startup.
	CatalogSchema string

	Log struct {
		Level  string
		Format string
	}
	Metrics struct {
		Enabled bool
	}
}

// New returns a Config holding the defaults.
func New() *Config {
	c := &Config{
		Listen:        ":8080",
		Driver:        "memory",
		CatalogSchema: "public",
	}
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Metrics.Enabled = true
	return c
}

// Flags registers one flag per option, writing into c.
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "HTTP listen address.")
	fs.StringVar(&c.Driver, "driver", c.Driver, "Storage driver: "+strings.Join(Drivers, ", ")+".")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "Data source name for SQL drivers.")
	fs.StringVar(&c.SchemaFile, "schema-file", c.SchemaFile, "CREATE TABLE script applied at startup.")
	fs.StringVar(&c.MigrationsDir, "migrations-dir", c.MigrationsDir, "Directory of goose migrations applied at startup (Postgres only).")
	fs.StringVar(&c.CatalogSchema, "catalog-schema", c.CatalogSchema, "Postgres schema whose tables are loaded into the catalog.")
	fs.StringVar(&c.Log.Level, "log.level", c.Log.Level, "Log level: debug, info, warn, error.")
	fs.StringVar(&c.Log.Format, "log.format", c.Log.Format, "Log format: json or console.")
	fs.BoolVar(&c.Metrics.Enabled, "metrics.enabled", c.Metrics.Enabled, "Serve Prometheus metrics on /metrics.")
}

// Load applies, in increasing priority, the config file named by the
// "config" flag, LIVEVIEW_* environment variables and explicitly set flags
// to every flag of fs. Keys in the config file must be flag names.
func Load(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading configuration file '%s'", path)
		}
		valid := make(map[string]bool)
		fs.VisitAll(func(f *pflag.Flag) { valid[f.Name] = true })
		for _, key := range v.AllKeys() {
			if !valid[key] {
				return errors.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if vals := v.GetStringSlice(f.Name); len(vals) > 0 {
				flagErr = sv.Replace(vals)
			}
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil {
			flagErr = errors.Wrapf(err, "setting %s", f.Name)
		}
	})
	return flagErr
}

// Validate checks option combinations.
func (c *Config) Validate() error {
	known := false
	for _, d := range Drivers {
		if c.Driver == d {
			known = true
		}
	}
	if !known {
		return errors.Errorf("unknown driver %q (want one of %s)", c.Driver, strings.Join(Drivers, ", "))
	}
	if c.Driver != "memory" && c.DSN == "" {
		return errors.Errorf("driver %s needs a dsn", c.Driver)
	}
	if c.MigrationsDir != "" && (c.Driver == "memory" || c.Driver == "mysql") {
		return errors.Errorf("migrations need a Postgres driver, not %s", c.Driver)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flags(c *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "")
	c.Flags(fs)
	return fs
}

func TestDefaults(t *testing.T) {
	c := New()
	require.NoError(t, Load(viper.New(), flags(c)))
	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, "memory", c.Driver)
	assert.Equal(t, "info", c.Log.Level)
	assert.True(t, c.Metrics.Enabled)
	assert.NoError(t, c.Validate())
}

func TestPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = ":9000"
driver = "pgx"
dsn = "postgres://file"

[log]
level = "debug"
`), 0o600))
	t.Setenv("LIVEVIEW_DSN", "postgres://env")
	t.Setenv("LIVEVIEW_LOG_FORMAT", "console")

	c := New()
	fs := flags(c)
	require.NoError(t, fs.Parse([]string{"--config", path, "--listen", ":7000"}))
	require.NoError(t, Load(viper.New(), fs))

	assert.Equal(t, ":7000", c.Listen, "flag beats file")
	assert.Equal(t, "pgx", c.Driver, "file beats default")
	assert.Equal(t, "postgres://env", c.DSN, "env beats file")
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
}

func TestUnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listn: \":9000\"\n"), 0o600))

	c := New()
	fs := flags(c)
	require.NoError(t, fs.Parse([]string{"-c", path}))
	err := Load(viper.New(), fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listn")
}

func TestValidate(t *testing.T) {
	c := New()
	c.Driver = "sqlite"
	assert.Error(t, c.Validate())

	c = New()
	c.Driver = "mysql"
	assert.Error(t, c.Validate(), "missing dsn")
	c.DSN = "app@tcp(localhost)/lv"
	assert.NoError(t, c.Validate())
	c.MigrationsDir = "migrations"
	assert.Error(t, c.Validate())
}

func TestSliceFlagsKeepDefaults(t *testing.T) {
	var params []string
	c := New()
	fs := flags(c)
	fs.StringArrayVar(&params, "param", nil, "")
	require.NoError(t, Load(viper.New(), fs))
	assert.Empty(t, params)

	t.Setenv("LIVEVIEW_PARAM", "a=1")
	fs = flags(New())
	fs.StringArrayVar(&params, "param", nil, "")
	require.NoError(t, Load(viper.New(), fs))
	assert.Equal(t, []string{"a=1"}, params)
}

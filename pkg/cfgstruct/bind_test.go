package cfgstruct_test

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"stratafs.io/platform/pkg/cfgstruct"
)

type monitorConfig struct {
	LeaderTTL        time.Duration `cfg:"leader-ttl" default:"30s" help:"leader lock TTL"`
	RenewalInterval  time.Duration `cfg:"renewal-interval" default:"10s" help:"renewal cadence"`
	UseForSelection  bool          `cfg:"use-for-selection" default:"on" help:"strict on/off"`
	MaxInterval      int           `cfg:"max-interval-seconds" default:"300" help:""`
}

type ingesterConfig struct {
	AdminURL string        `cfg:"admin-url" default:"http://admin:8080" help:""`
	Monitor  monitorConfig
}

func TestBindNestedStruct(t *testing.T) {
	flags := pflag.NewFlagSet("ingester", pflag.ContinueOnError)
	v := viper.New()

	cfg := &ingesterConfig{}
	require.NoError(t, cfgstruct.Bind(flags, v, cfg))

	require.NoError(t, flags.Parse([]string{"--leader-ttl=45s"}))

	require.Equal(t, "http://admin:8080", v.GetString("admin-url"))
	require.Equal(t, 45*time.Second, v.GetDuration("leader-ttl"))
	require.Equal(t, 10*time.Second, v.GetDuration("renewal-interval"))
	require.True(t, v.GetBool("use-for-selection"))
	require.Equal(t, 300, v.GetInt("max-interval-seconds"))
}

func TestBindRejectsNonPointer(t *testing.T) {
	flags := pflag.NewFlagSet("x", pflag.ContinueOnError)
	v := viper.New()
	err := cfgstruct.Bind(flags, v, ingesterConfig{})
	require.Error(t, err)
}

func TestStrictBooleanDefault(t *testing.T) {
	type cfg struct {
		Flag bool `cfg:"flag" default:"maybe"`
	}
	flags := pflag.NewFlagSet("x", pflag.ContinueOnError)
	v := viper.New()
	err := cfgstruct.Bind(flags, v, &cfg{})
	require.Error(t, err)
}

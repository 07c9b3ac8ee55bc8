package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/gotile/internal/pkg/logging"
	"github.com/jake-scott/gotile/pkg/tileapi"
)

var (
	_cfgFile string
	_debug   bool
)

var rootCmd = &cobra.Command{
	Use:          "gotile",
	Short:        "Query Tile Bluetooth trackers from the command line",
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&_cfgFile, "config", "", "config file (default is $HOME/.gotile.yaml)")
	pf.BoolVar(&_debug, "debug", false, "enable debug logging")
	pf.String("email", "", "Tile account email address")
	pf.String("password", "", "Tile account password")
	pf.String("client-uuid", "", "client identifier to reuse (default is a new random UUID)")
	pf.String("locale", tileapi.DefaultLocale, "locale reported when registering the client")
	pf.String("base-url", tileapi.DefaultBaseURL, "Tile API base URL")
	pf.Duration("api-timeout", 0, "maximum duration of a Tile API call, eg. 1m or 10s (default 10s)")
	pf.Int("max-concurrent", 0, "maximum tile detail requests in flight (default 10)")

	errPanic(viper.BindPFlag("tile.email", pf.Lookup("email")))
	errPanic(viper.BindPFlag("tile.password", pf.Lookup("password")))
	errPanic(viper.BindPFlag("tile.client-uuid", pf.Lookup("client-uuid")))
	errPanic(viper.BindPFlag("tile.locale", pf.Lookup("locale")))
	errPanic(viper.BindPFlag("tile.base-url", pf.Lookup("base-url")))
	errPanic(viper.BindPFlag("tile.api-timeout", pf.Lookup("api-timeout")))
	errPanic(viper.BindPFlag("tile.max-concurrent", pf.Lookup("max-concurrent")))
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

func initConfig() {
	if _cfgFile != "" {
		viper.SetConfigFile(_cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "finding home directory: %s\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".gotile")
	}

	// GOTILE_TILE_EMAIL, GOTILE_LOGGING_LEVEL etc.
	viper.SetEnvPrefix("GOTILE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || _cfgFile != "" {
			fmt.Fprintf(os.Stderr, "reading config: %s\n", err)
			os.Exit(1)
		}
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

func clientOptions() []tileapi.Option {
	opts := []tileapi.Option{
		tileapi.WithLocale(viper.GetString("tile.locale")),
		tileapi.WithBaseURL(viper.GetString("tile.base-url")),
	}

	if id := viper.GetString("tile.client-uuid"); id != "" {
		opts = append(opts, tileapi.WithClientUUID(id))
	}
	if d := viper.GetDuration("tile.api-timeout"); d > 0 {
		opts = append(opts, tileapi.WithTimeout(d))
	}
	if n := viper.GetInt("tile.max-concurrent"); n > 0 {
		opts = append(opts, tileapi.WithMaxConcurrent(n))
	}

	return opts
}

// login builds a logged in client from the tile.* settings
func login(ctx context.Context) (*tileapi.Client, error) {
	if err := checkRequiredFlags("tile.email", "tile.password"); err != nil {
		return nil, err
	}

	client, err := tileapi.Login(ctx, viper.GetString("tile.email"), viper.GetString("tile.password"), clientOptions()...)
	if err != nil {
		return nil, err
	}

	logging.Logger(ctx).Debugf("logged in: %s", client)
	return client, nil
}

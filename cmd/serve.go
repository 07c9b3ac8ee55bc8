package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/gotile/internal/pkg/handlers"
	"github.com/jake-scott/gotile/internal/pkg/logging"
	"github.com/jake-scott/gotile/pkg/middlewares"
)

const correlationHeader = "X-Correlation-ID"

var _serveCmdOpts struct {
	port            uint16
	tlsCertPath     string
	tlsKeyPath      string
	gracefulTimeout time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	logRequests     bool
	corsOrigins     []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the account's Tiles as JSON over HTTP",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doServe(commandContext(cmd.Context()))
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("tile.email", "tile.password")
	},
}

func init() {
	serveCmd.Flags().Uint16Var(&_serveCmdOpts.port, "port", 4343, "HTTP port number")
	serveCmd.Flags().StringVar(&_serveCmdOpts.tlsCertPath, "tls-cert", "", "TLS certificate file (plain HTTP if unset)")
	serveCmd.Flags().StringVar(&_serveCmdOpts.tlsKeyPath, "tls-key", "", "TLS key file")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serveCmd.Flags().BoolVar(&_serveCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")
	serveCmd.Flags().StringSliceVar(&_serveCmdOpts.corsOrigins, "cors-origin", nil, "origins allowed to call the server from a browser (default any)")

	errPanic(viper.BindPFlag("https.port", serveCmd.Flags().Lookup("port")))
	errPanic(viper.BindPFlag("https.cert", serveCmd.Flags().Lookup("tls-cert")))
	errPanic(viper.BindPFlag("https.key", serveCmd.Flags().Lookup("tls-key")))
	errPanic(viper.BindPFlag("https.graceful-timeout", serveCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.BindPFlag("https.read-timeout", serveCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.BindPFlag("https.write-timeout", serveCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.BindPFlag("https.cors-origins", serveCmd.Flags().Lookup("cors-origin")))
	errPanic(viper.BindPFlag("logging.log-requests", serveCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(serveCmd)
}

// newRouter wires the tile routes behind the bridge middlewares
func newRouter(th *handlers.TilesHandler, logRequests bool, corsOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(middlewares.NewCorrelationMw(correlationHeader))
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	th.Register(r)

	// outside the router so preflight requests never reach method matching
	return middlewares.NewCorsMw(corsOrigins, middlewares.TxnIDHeader, correlationHeader)(r)
}

func doServe(ctx context.Context) error {
	wait := viper.GetDuration("https.graceful-timeout")
	port := viper.GetUint("https.port")
	certFile := viper.GetString("https.cert")
	keyFile := viper.GetString("https.key")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(ctx).Warn("log-requests ignored when not in debug mode")
		}
	}

	if (certFile == "") != (keyFile == "") {
		return fmt.Errorf("https.cert and https.key must be set together")
	}

	client, err := login(ctx)
	if err != nil {
		return err
	}

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("https.read-timeout"),
		WriteTimeout: viper.GetDuration("https.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      newRouter(handlers.NewTilesHandler(client), logRequests, viper.GetStringSlice("https.cors-origins")),
	}

	errs := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" {
			logging.Logger(ctx).Infof("Serving HTTPS on port %d", port)
			err = s.ListenAndServeTLS(certFile, keyFile)
		} else {
			logging.Logger(ctx).Warnf("Serving plain HTTP on port %d", port)
			err = s.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	// Block until we receive a signal or the listener fails
	select {
	case <-c:
	case err := <-errs:
		logging.Logger(ctx).WithError(err).Error("running server")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	logging.Logger(ctx).Info("shutting down")
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Logger(ctx).WithError(err).Errorf("shutting down")
	}
	logging.Logger(ctx).Info("exiting")
	return nil
}

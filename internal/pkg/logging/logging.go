package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	stdlog "log"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

/*
 *  Diagnostics logging shared by the library, the CLI and the bridge server
 */

type ctxKey int

const (
	txnIDKey ctxKey = iota
	correlationIDKey
)

// WithTxnID returns a context whose log entries carry the transaction ID
func WithTxnID(ctx context.Context, txnID string) context.Context {
	return context.WithValue(ctx, txnIDKey, txnID)
}

// TxnID returns the transaction ID stored by WithTxnID, if any
func TxnID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	txnID, ok := ctx.Value(txnIDKey).(string)
	return txnID, ok
}

// WithCorrelationID returns a context whose log entries carry the caller's
// correlation ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func CorrelationID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok
}

type logger struct {
	entry     *logrus.Entry
	logFile   *os.File
	stdWriter *io.PipeWriter
}

// The one process-wide logger
var gLogger logger
var gInstanceID string

// Logger returns the global logger, tagged with the context's transaction
// and correlation IDs
func Logger(ctx context.Context) *logrus.Entry {
	entry := gLogger.entry
	if txnID, ok := TxnID(ctx); ok {
		entry = entry.WithField("txnid", txnID)
	}
	if id, ok := CorrelationID(ctx); ok {
		entry = entry.WithField("correlation", id)
	}

	return entry
}

func processFields() logrus.Fields {
	return logrus.Fields{
		"pid":      os.Getpid(),
		"exe":      path.Base(os.Args[0]),
		"instance": gInstanceID,
	}
}

func init() {
	viper.SetDefault("logging.location", "stderr")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.level", "info")

	gInstanceID = uuid.New().String()
	gLogger.entry = logrus.WithFields(processFields())
}

// Configure applies the logging.* settings: output location, level and format
func Configure(cfg *viper.Viper) error {
	switch loc := cfg.GetString("logging.location"); loc {
	case "stdout":
		logrus.SetOutput(os.Stdout)
		gLogger.entry = logrus.WithFields(logrus.Fields{})
	case "stderr", "":
		logrus.SetOutput(os.Stderr)
		gLogger.entry = logrus.WithFields(logrus.Fields{})
	default:
		file, err := os.OpenFile(loc, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", loc, err)
		}

		gLogger.entry.Debugf("Switching log to %s", loc)
		logrus.SetOutput(file)

		if gLogger.logFile != nil {
			gLogger.logFile.Close()
		}
		gLogger.logFile = file

		// a shared log file needs to say which process wrote each line
		gLogger.entry = logrus.WithFields(processFields())
	}

	// --debug on the command line wins over the config file
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		level := cfg.GetString("logging.level")
		val, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("bad log level: [%s]", level)
		}
		logrus.SetLevel(val)
	}

	switch format := cfg.GetString("logging.format"); format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		return fmt.Errorf("bad log format: [%s]", format)
	}

	// Route the standard library logger through logrus, closing the pipe
	// (and its goroutine) left by an earlier Configure
	w := Logger(nil).WriterLevel(logrus.DebugLevel)
	stdlog.SetOutput(w)
	if gLogger.stdWriter != nil {
		gLogger.stdWriter.Close()
	}
	gLogger.stdWriter = w

	return nil
}

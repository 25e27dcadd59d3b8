// Main package for the dashcache command line tool
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/thessem/zap-prettyconsole"
	"github.com/wildoasis/dashcache/serv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// These variables are set using -ldflags
	version string
	commit  string
	date    string
)

var (
	log   *zap.SugaredLogger
	conf  *serv.Config
	cpath string
)

func main() {
	log = newLogger(false, zap.InfoLevel).Sugar()

	rootCmd := &cobra.Command{
		Use:   "dashcache",
		Short: "Query cache and write workflows for the Wild Oasis dashboard",
	}

	rootCmd.PersistentFlags().StringVar(&cpath,
		"path", "./config", "path to config files")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(testCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run: func(cmd *cobra.Command, args []string) {
			if version == "" {
				fmt.Println("dashcache (development build)")
				return
			}
			fmt.Printf("dashcache %s (%s, built %s)\n", version, commit, date)
		},
	}
}

// setup reads the config named by GO_ENV from the config path. A missing
// config directory falls back to the defaults and env vars.
func setup(cpath string) {
	if conf != nil {
		return
	}

	cn := serv.GetConfigName()
	cf := filepath.Join(cpath, cn+".yml")

	var err error
	if _, statErr := os.Stat(cf); statErr != nil {
		conf = serv.NewConfig()
		log.Debugf("config file not found, using defaults: %s", cf)
	} else if conf, err = serv.ReadInConfig(cf); err != nil {
		log.Fatal(err)
	}

	lvl, err := zapcore.ParseLevel(conf.LogLevel)
	if err != nil || conf.LogLevel == "" {
		lvl = zap.InfoLevel
	}
	log = newLogger(conf.LogFormat == "json", lvl).Sugar()
}

// newService creates the service or exits
func newService() *serv.Service {
	setup(cpath)

	s, err := serv.NewService(conf, serv.OptionSetLogger(log.Desugar()))
	if err != nil {
		log.Fatalf("failed to initialize: %s", err)
	}
	return s
}

// newLogger logs to stderr so command output on stdout can be piped
func newLogger(json bool, lvl zapcore.Level) *zap.Logger {
	return newLoggerWithOutput(json, lvl, os.Stderr)
}

func newLoggerWithOutput(json bool, lvl zapcore.Level, output zapcore.WriteSyncer) *zap.Logger {
	if json {
		econf := zap.NewProductionEncoderConfig()
		econf.EncodeTime = zapcore.ISO8601TimeEncoder
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(econf), output, lvl))
	}

	pcfg := prettyconsole.NewEncoderConfig()
	pcfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("15:04:05"))
	}
	return zap.New(zapcore.NewCore(prettyconsole.NewEncoder(pcfg), output, lvl))
}

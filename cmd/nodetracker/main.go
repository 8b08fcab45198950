package main

import (
	"context"
	_ "expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/stats"
	"github.com/atlassian/nodetracker/pkg/util"
)

const (
	// ParamVerbose enables verbose logging.
	ParamVerbose = "verbose"
	// ParamProfile enables profiler endpoint on the specified address and port.
	ParamProfile = "profile"
	// ParamJSON makes logger log in JSON format.
	ParamJSON = "json"
	// ParamConfigPath provides file with configuration.
	ParamConfigPath = "config-path"
	// ParamVersion makes program output its version.
	ParamVersion = "version"
	// ParamLogMetrics logs internal metrics.
	ParamLogMetrics = "log-metrics"
)

const usage = `Usage: %s [flags] <command>

Commands:
  discover  fetch and validate nodes from the stats service
  ping      probe every node and print the results
  pick      probe every node and print the picked ones
  serve     refresh nodes periodically and serve the admin api

Flags:
`

func main() {
	v, version, command, err := setupConfiguration()
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logrus.Fatalf("Error while parsing configuration: %v", err)
	}
	if version {
		fmt.Printf("Version: %s - Commit: %s - Date: %s\n", Version, GitCommit, BuildDate)
		return
	}
	if err := run(v, command); err != nil {
		logrus.Fatalf("%v", err)
	}
}

func run(v *viper.Viper, command string) error {
	logger := logrus.StandardLogger()

	profileAddr := v.GetString(ParamProfile)
	if profileAddr != "" {
		go func() {
			logrus.Errorf("Profiler server failed: %v", http.ListenAndServe(profileAddr, nil))
		}()
	}

	ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()

	var statser stats.Statser = stats.NewNullStatser()
	if v.GetBool(ParamLogMetrics) {
		statser = stats.NewLoggingStatser(nodetracker.Tags{"version:" + Version}, logger)
	}
	ctx = stats.NewContext(ctx, statser)

	cmd, err := newCommand(ctx, logger, v, os.Stdout)
	if err != nil {
		return err
	}

	switch command {
	case "discover":
		return cmd.discover(ctx)
	case "ping":
		return cmd.ping(ctx)
	case "pick":
		return cmd.pick(ctx)
	case "serve":
		return cmd.serve(ctx)
	default:
		return fmt.Errorf("unknown command %q, must be one of discover, ping, pick, or serve", command)
	}
}

func setupConfiguration() (*viper.Viper, bool, string, error) {
	v := viper.New()
	defer setupLogger(v) // Apply logging configuration in case of early exit
	util.InitViper(v, "")

	var version bool

	cmd := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	cmd.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		cmd.PrintDefaults()
	}

	cmd.BoolVar(&version, ParamVersion, false, "Print the version and exit")
	cmd.Bool(ParamVerbose, false, "Verbose")
	cmd.Bool(ParamJSON, false, "Log in JSON format")
	cmd.Bool(ParamLogMetrics, false, "Log internal metrics")
	cmd.String(ParamProfile, "", "Enable profiler endpoint on the specified address and port")
	cmd.String(ParamConfigPath, "", "Path to the configuration file")

	nodetracker.AddFlags(cmd)

	cmd.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err) // Should never happen
		}
	})

	if err := cmd.Parse(os.Args[1:]); err != nil {
		return nil, false, "", err
	}

	configPath := v.GetString(ParamConfigPath)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, false, "", err
		}
	}

	if version {
		return v, true, "", nil
	}
	if cmd.NArg() != 1 {
		cmd.Usage()
		return nil, false, "", fmt.Errorf("expected exactly one command, got %d", cmd.NArg())
	}
	return v, false, cmd.Arg(0), nil
}

func setupLogger(v *viper.Viper) {
	if v.GetBool(ParamVerbose) {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if v.GetBool(ParamJSON) {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

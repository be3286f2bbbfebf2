package cmd

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/hashicorp/hcl"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftmike/undodb/engine"
	"github.com/leftmike/undodb/undo"
)

var (
	undodbCmd = &cobra.Command{
		Use:               "undodb",
		Short:             "An undo log engine",
		Long:              "Undodb inspects and manages undo logs, their segment files, and their checkpoints.",
		PersistentPreRunE: undodbPreRun,
		PersistentPostRun: undodbPostRun,
	}

	logFile   = ""
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "undodb.hcl"
	noConfig   = false

	dataDir = "undodb"

	cfgVars   = map[string]*pflag.Flag{}
	cfg       = map[string]interface{}{}
	usedFlags = map[string]struct{}{}
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := undodbCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	cfgVars["log-file"] = fs.Lookup("log-file")

	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	cfgVars["log-level"] = fs.Lookup("log-level")

	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	fs.StringVar(&dataDir, "dir", dataDir, "`directory` containing the undo logs")
	cfgVars["dir"] = fs.Lookup("dir")
}

func Execute() error {
	return undodbCmd.Execute()
}

func undodbPreRun(cmd *cobra.Command, args []string) error {
	cmd.Flags().Visit(
		func(flg *pflag.Flag) {
			usedFlags[flg.Name] = struct{}{}
		})

	if configFile != "" && !noConfig {
		err := loadConfig()
		if err != nil {
			return fmt.Errorf("undodb: %s", err)
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("undodb: %s", err)
		}
		log.SetOutput(logWriter)
	} else if !logStderr {
		log.SetOutput(ioutil.Discard)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("undodb: %s", err)
	}
	log.SetLevel(ll)
	return nil
}

func undodbPostRun(cmd *cobra.Command, args []string) {
	if logWriter != nil {
		logWriter.Close()
	}
}

func loadConfig() error {
	b, err := ioutil.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	err = hcl.Decode(&cfg, string(b))
	if err != nil {
		return err
	}

	for name, val := range cfg {
		flg, ok := cfgVars[name]
		if !ok {
			return fmt.Errorf("%s is not a config variable", name)
		}
		if _, ok := usedFlags[name]; ok {
			// Flags given on the command line win over the config file.
			continue
		}
		err = flg.Value.Set(fmt.Sprintf("%v", val))
		if err != nil {
			return fmt.Errorf("%s: %s", name, err)
		}
	}
	return nil
}

// openEngine opens the undo logs under the data directory read-only for
// inspection: state is as of the newest checkpoint, since the external WAL is
// not available to offline tools.
func openEngine() (*engine.Engine, error) {
	e, err := engine.Open(engine.Config{
		Dir:  dataDir,
		Geom: undo.DefaultGeometry(),
	})
	if err != nil {
		return nil, err
	}
	err = e.Recover(nil)
	if err != nil {
		return nil, err
	}
	return e, nil
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Expecter/internal/log"
	"github.com/CZERTAINLY/Expecter/internal/script"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	userConfigPath string          // /default/config/path/expecter on given OS
	configPath     string          // actual config file used (if loaded)
	settings       script.Settings // flags, environment and config file merged

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "expecter")
}

func main() {
	// root flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is expecter.yaml in current directory or in "+userConfigPath)
	pf.Bool("verbose", false, "verbose logging")
	pf.String("log-format", "", "log format json or text, text on a terminal by default")
	bind(pf, "verbose", "verbose", "EXPECTER_VERBOSE")
	bind(pf, "log_format", "log-format", "EXPECTER_LOG_FORMAT")

	rf := runCmd.Flags()
	rf.String("shell", "", "shell running the commands, $SHELL or /bin/sh by default")
	rf.Duration("poll", 0, "poll interval, a wait times out when it elapses with no I/O (default 1s)")
	rf.Duration("deadline", 0, "limit for a single script, none by default")
	rf.Int("parallel", 1, "number of scripts running at once")
	rf.String("transcripts", "", "directory receiving the output of each script")
	rf.StringVar(&flagFormat, "format", "text", "report format text or yaml")
	bind(rf, "defaults.shell", "shell", "EXPECTER_SHELL")
	bind(rf, "defaults.poll", "poll", "EXPECTER_POLL")
	bind(rf, "defaults.deadline", "deadline", "EXPECTER_DEADLINE")
	bind(rf, "defaults.parallel", "parallel", "EXPECTER_PARALLEL")
	bind(rf, "defaults.transcripts", "transcripts", "EXPECTER_TRANSCRIPTS")

	initCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initExpecter

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, script.ErrFailed) {
			slog.Error("expecter failed", "error", err)
		}
		os.Exit(1)
	}
}

// bind makes a flag and an environment variable sources of a viper key.
func bind(flags *pflag.FlagSet, key, flag, env string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

var rootCmd = &cobra.Command{
	Use:          "expecter",
	Short:        "Tool scripting interactive command line programs",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a expecter",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("expecter: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("expecter: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initExpecter(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("EXPECTERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "expecter.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// the config file is optional, flags and environment work without it
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	var err error
	settings, err = script.ParseSettings()
	if err != nil {
		return fmt.Errorf("parsing settings: %w", err)
	}

	// initialize logging
	format := log.Format(settings.LogFormat)
	if format == "" {
		format = log.FormatJSON
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = log.FormatText
		}
	}
	slog.SetDefault(log.NewWithFormat(os.Stderr, settings.Verbose, format))

	slog.Debug("expecter run", "configPath", configPath)
	slog.Debug("expecter run", "settings", settings)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

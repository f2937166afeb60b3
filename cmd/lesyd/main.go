// Command lesyd bridges Fossibot-family power stations speaking
// MODBUS-over-MQTT into Home-Assistant-friendly MQTT entities.
package main

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lesyd/lesyd/internal/bridge"
	"github.com/lesyd/lesyd/internal/config"
	"github.com/lesyd/lesyd/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("lesyd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "configuration file")
	flags.String("loglevel", "", "log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	flags.String("logfile", "", "also log to the specified file")
	printSample := flags.Bool("print-sample-config", false, "print a sample configuration file and quit")
	listPresets := flags.Bool("list-presets", false, "print all presets and quit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *printSample {
		fmt.Print(config.SampleConfig)
		return 0
	}
	if *listPresets {
		printPresets()
		return 0
	}

	// The embedded samples double as schema fixtures; a drift is a bug
	// caught before any broker traffic.
	if err := config.ValidateSamples(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	v := viper.New()
	v.SetEnvPrefix("LESYD")
	v.AutomaticEnv()
	_ = v.BindPFlag("loglevel", flags.Lookup("loglevel"))
	_ = v.BindPFlag("logfile", flags.Lookup("logfile"))

	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("lesyd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/lesyd")
		v.AddConfigPath("/etc/lesyd")
	}
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(v.ConfigFileUsed())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Flags and LESYD_* environment variables override the file.
	v.SetDefault("loglevel", cfg.LogLevel)
	v.SetDefault("logfile", cfg.LogFile)
	cfg.LogLevel = v.GetString("loglevel")
	cfg.LogFile = v.GetString("logfile")

	log, err := logging.New(rootLevel(cfg), cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	// Devices are fixed for the process lifetime; a config edit only
	// warns that a restart is needed.
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Named("lesyd").Warn("configuration changed, restart to apply",
			zap.String("file", e.Name))
	})
	v.WatchConfig()

	b, err := bridge.New(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return b.Run()
}

// rootLevel picks the most verbose level among the global and per-device
// settings so named loggers can narrow without losing output.
func rootLevel(cfg *config.Config) string {
	most := cfg.LogLevel
	mostLevel, err := logging.Level(most)
	if err != nil {
		return cfg.LogLevel
	}
	for _, dev := range cfg.Devices {
		level, err := logging.Level(dev.LogLevel)
		if err == nil && level < mostLevel {
			most, mostLevel = dev.LogLevel, level
		}
	}
	return most
}

func printPresets() {
	for _, name := range config.PresetNames() {
		preset := config.Presets[name]
		fmt.Printf("%q\n", name)
		fmt.Printf("   manufacturer: %q\n", preset.Manufacturer)
		fmt.Printf("   model_id: %q\n", preset.ModelID)
		fmt.Printf("   ac_charging_levels: %v\n", preset.ACChargingLevels)
		fmt.Printf("   extension1: %v\n", preset.Extension1)
		fmt.Printf("   extension2: %v\n", preset.Extension2)
		fmt.Println()
	}
}

// Command kerntool bundles the host-side helpers used to build, inspect and
// test the kernel image.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "kerntool.toml", "path to the kerntool configuration file.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	const buildGroup = "build"
	cb(new(Redirects), buildGroup)
	cb(new(Gates), buildGroup)

	const inspectGroup = "inspect"
	cb(new(Layout), inspectGroup)
	cb(new(BootInfo), inspectGroup)

	const testGroup = "test"
	cb(new(SelfTest), testGroup)
}

func main() {
	forEachCmd(subcommands.Register)
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	conf, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}
	log.WithField("config", *configPath).Debug("configuration loaded")

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// configFrom extracts the configuration passed by main to Execute.
func configFrom(args []interface{}) *Config {
	if len(args) == 0 {
		return defaultConfig()
	}

	if conf, ok := args[0].(*Config); ok {
		return conf
	}

	return defaultConfig()
}

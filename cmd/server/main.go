package main

import (
	"flag"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/cmd"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/logging"
)

func main() {
	logging.SetupBaseLogger()

	var configPath string
	var launchMode string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.StringVar(&launchMode, "launch-mode", "", "override the configured launch mode")
	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if launchMode != "" {
		cfg.LaunchMode = launchMode
	}
	if err = cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	cmd.StartService(cfg, configPath)
}

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/server"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverrides are the environment knobs, applied between the defaults and
// the flags so that flags always win.
type envOverrides struct {
	ControlAddr string `envconfig:"CONTROL_ADDR"`
	VoiceAddr   string `envconfig:"VOICE_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	DBPath      string `envconfig:"DB_PATH"`
	GroupsFile  string `envconfig:"GROUPS_FILE"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`
}

func main() {
	// A .env file is optional; a missing one is not an error.
	_ = godotenv.Load()

	var env envOverrides
	if err := envconfig.Process("GORELAY", &env); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment config: %v\n", err)
		os.Exit(1)
	}

	cfg := server.DefaultConfig()
	if env.ControlAddr != "" {
		cfg.ControlAddr = env.ControlAddr
	}
	if env.VoiceAddr != "" {
		cfg.VoiceAddr = env.VoiceAddr
	}
	if env.MetricsAddr != "" {
		cfg.MetricsAddr = env.MetricsAddr
	}
	if env.DBPath != "" {
		cfg.DBPath = env.DBPath
	}
	if env.GroupsFile != "" {
		cfg.GroupsFile = env.GroupsFile
	}

	flag.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP control plane bind address")
	flag.StringVar(&cfg.VoiceAddr, "voice", cfg.VoiceAddr, "UDP voice plane bind address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.GroupsFile, "groups-file", cfg.GroupsFile, "YAML file defining groups to seed on startup")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	exportGroups := flag.Bool("export-groups", false, "Export all groups as YAML and exit")

	logLevel := flag.String("log-level", env.LogLevel, "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", env.LogFormat, "Log format: text or json")
	flag.Parse()

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	// Handle export command (run and exit)
	if *exportGroups {
		st, err := datastore.Open(cfg.DBPath)
		if err != nil {
			slog.Error("open database", "err", err)
			os.Exit(1)
		}
		defer func() { _ = st.Close() }()

		data, err := server.ExportGroupsYAML(st)
		if err != nil {
			slog.Error("export groups", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	st, err := datastore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

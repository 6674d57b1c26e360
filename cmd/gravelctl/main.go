// Command gravelctl is an interactive shell for a GravelKV database.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/MikhailWahib/gravelkv"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

func main() {
	var (
		dir         = flag.String("dir", "data", "database directory")
		configPath  = flag.String("config", "", "YAML configuration file")
		verbose     = flag.Bool("v", false, "log engine activity at debug level")
		syncMode    = gravelkv.SyncNormal
		compression = gravelkv.NoCompression
	)
	flag.TextVar(&syncMode, "sync", syncMode, "WAL sync mode: none, normal or full")
	flag.TextVar(&compression, "compression", compression, "table block compression: none or snappy")
	flag.Parse()

	cfg := gravelkv.DefaultConfig()
	if *configPath != "" {
		loaded, err := gravelkv.LoadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}
	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sync":
			cfg.WALSyncMode = syncMode
		case "compression":
			cfg.BlockCompression = compression
		}
	})

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	cfg.Logger = logger

	db, err := gravelkv.Open(*dir, cfg)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("dir", *dir), zap.Error(err))
	}
	defer db.Close()

	fmt.Println(ColorGreen + "gravelctl: " + *dir + ColorReset)
	fmt.Println(`Type "help" for a list of commands.`)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ColorYellow + "> " + ColorReset,
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer{},
	})
	if err != nil {
		logger.Fatal("failed to start shell", zap.Error(err))
	}
	defer rl.Close()

	RunCLI(newShell(db, *dir, rl.Stdout()), rl)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.gravelctl_history"
}

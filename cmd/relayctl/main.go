package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/bootstrap"
	"github.com/tokligence/tokligence-relay/internal/config"
	"github.com/tokligence/tokligence-relay/internal/logging"
	"github.com/tokligence/tokligence-relay/internal/persona"
	"github.com/tokligence/tokligence-relay/internal/store"
	"github.com/tokligence/tokligence-relay/internal/store/postgres"
	"github.com/tokligence/tokligence-relay/internal/store/sqlite"
	"github.com/tokligence/tokligence-relay/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "init":
		if err = runInit(os.Args[2:]); err == nil {
			fmt.Println("relay config initialised")
		}
	case "import-personas":
		err = runImport(os.Args[2:])
	case "personas":
		err = runListPersonas()
	case "version":
		fmt.Println(version.FullInfo())
	case "help", "--help", "-h":
		printUsage()
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("relayctl %s failed: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Print(`Tokligence Relay CLI

Usage:
  relayctl init [flags]              Generate config/setting.ini and environment overrides
  relayctl import-personas [--dir]   Import persona files into the configured database
  relayctl personas                  List stored personas as JSON
  relayctl version                   Print build information

Flags for init:
  --root string            output directory (default '.')
  --env string             environment name (default 'dev')
  --http-address string    bind address for relayd (default ':8085')
  --database string        SQLite path or postgres:// URL (default ~/.tokligence/relay.db)
  --default-model string   model used when a persona sets none (default 'gpt-4')
  --log-level string       debug|info|warn|error (default 'info')
  --samples                also write a sample persona and functions file
  --force                  overwrite existing files
`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	httpAddr := fs.String("http-address", ":8085", "relay HTTP bind address")
	database := fs.String("database", "", "database DSN")
	model := fs.String("default-model", "gpt-4", "default model")
	level := fs.String("log-level", "info", "log level")
	samples := fs.Bool("samples", false, "write sample persona files")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := bootstrap.InitOptions{
		Root:         *root,
		Environment:  *env,
		HTTPAddress:  *httpAddr,
		DatabaseDSN:  *database,
		DefaultModel: *model,
		LogLevel:     *level,
		Samples:      *samples,
		Force:        *force,
	}
	if err := bootstrap.Validate(opts); err != nil {
		return err
	}
	return bootstrap.Init(opts)
}

func runImport(args []string) error {
	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("import-personas", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", cfg.PersonaImportDir, "directory of persona files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dir) == "" {
		return fmt.Errorf("no persona directory: pass --dir or set persona_import_dir")
	}

	logger, closer, err := logging.Setup(fmt.Sprintf("[relayctl][%s] ", cfg.Environment), cfg.LogFile, 3)
	if err != nil {
		return err
	}
	defer closer.Close()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	functions, err := persona.LoadFunctions(cfg.FunctionsFile)
	if err != nil {
		return err
	}
	res, err := persona.NewImporter(db, functions, logger).ImportDir(context.Background(), *dir)
	if err != nil {
		return err
	}
	logger.Printf("imported=%v skipped=%v", res.Imported, res.Skipped)
	return nil
}

func runListPersonas() error {
	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	personas, err := db.ListPersonas(context.Background())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(personas)
}

func openStore(cfg config.RelayConfig) (store.Store, error) {
	if cfg.UsesPostgres() {
		return postgres.New(cfg.DatabaseDSN, postgres.PoolConfig{MaxOpen: 2, MaxIdle: 1})
	}
	return sqlite.New(cfg.DatabaseDSN)
}

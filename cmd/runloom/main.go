package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/halcyard/runloom/internal/logging"
	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/internal/validation"
	"github.com/halcyard/runloom/pkg/schema"
)

const version = "0.3.0"

const usage = `runloom - workflow run engine

Usage:
  runloom migrate             apply store migrations
  runloom validate <file>     validate a workflow definition (JSON)
  runloom version             print the version

The engine itself is embedded as a library; the action executor driving
the browser agent is supplied by the host process.`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(cfg, logger)
	case "validate":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: runloom validate <file>")
			os.Exit(2)
		}
		err = runValidate(os.Args[2])
	case "version":
		fmt.Println("runloom " + version)
	default:
		fmt.Println(usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func runMigrate(cfg Config, logger *slog.Logger) error {
	if err := os.MkdirAll(runloomDir(), 0o700); err != nil {
		return err
	}

	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Migrate(context.Background()); err != nil {
		return err
	}
	logger.Info("store migrated", slog.String("db_path", cfg.DBPath))
	return nil
}

func runValidate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse workflow definition: %w", err)
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return err
	}

	result := validator.Validate(&def)
	for _, issue := range result.Errors {
		fmt.Printf("error   %s: %s\n", issue.Path, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("warning %s: %s\n", issue.Path, issue.Message)
	}
	if !result.Valid() {
		return fmt.Errorf("workflow definition is invalid")
	}
	fmt.Println("workflow definition is valid")
	return nil
}

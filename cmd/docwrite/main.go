// ABOUTME: Entry point for the docwrite command line tool
// ABOUTME: Applies object writes read as JSON from stdin and prints the responses

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/config"
)

// Version is set at build time.
var version = "dev"

// maxLineSize bounds a single request line in stream mode.
const maxLineSize = 4 << 20

// getConfigPath returns the path to the docwrite config file.
// Priority: DOCWRITE_CONFIG env var > XDG_CONFIG_HOME/docwrite/config.yaml > ~/.config/docwrite/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DOCWRITE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "docwrite", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: docwrite <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  apply     Apply one write request read from stdin")
		fmt.Println("  stream    Apply newline-delimited write requests from stdin")
		fmt.Println("  config    Validate the config file and print a summary")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "apply":
		err = runApply(ctx, os.Stdin, os.Stdout)
	case "stream":
		err = runStream(ctx, os.Stdin, os.Stdout)
	case "config":
		err = runConfig()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runApply(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, setupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer a.Close()

	var req wireRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	resp := a.apply(ctx, &req)
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if resp.Error != nil {
		return errors.New(resp.Error.Message)
	}
	return nil
}

func runStream(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting docwrite stream",
		"config", configPath,
		"database", cfg.Database.Driver,
		"version", version,
	)
	if cfg.Metrics.Enabled {
		stop := a.serveMetrics(cfg.Metrics)
		defer stop()
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	enc := json.NewEncoder(out)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp *wireResponse
		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse(apierr.Newf(apierr.InvalidJSON, "invalid request: %v", err))
		} else {
			resp = a.apply(ctx, &req)
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encoding response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	a.wait()
	return nil
}

func runConfig() error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Print("▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("▶ ")
	fmt.Printf("App:       %s\n", cfg.Server.AppName)
	green.Print("▶ ")
	fmt.Printf("Server:    %s\n", cfg.Server.ServerURL)
	green.Print("▶ ")
	fmt.Printf("Database:  %s", cfg.Database.Driver)
	if cfg.Database.Path != "" {
		gray.Printf(" (%s)", cfg.Database.Path)
	}
	fmt.Println()
	green.Print("▶ ")
	fmt.Printf("Providers: %d\n", len(cfg.Auth.Providers))
	if cfg.Metrics.Enabled {
		green.Print("▶ ")
		fmt.Printf("Metrics:   http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	return nil
}

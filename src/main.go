package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tesseradb/src/server"
	"tesseradb/src/settings"
)

// printUsage prints helpful usage information
func printUsage() {
	log.Println("TesseraDB - a federated query engine over four storage engines")
	log.Println("\nUsage:")
	log.Println("  tesseradb [options]")
	log.Println("\nOptions:")
	flag.PrintDefaults()

	log.Println("\nExamples:")
	log.Println("  tesseradb --datadir=/data")
	log.Println("  tesseradb --mode=external --scalardsn='user:pass@tcp(127.0.0.1:3306)/'")
}

func main() {
	// Get the global settings instance
	args := settings.GetSettings()

	// Define command line flags that map to the Arguments struct
	flag.StringVar(&args.DataDir, "datadir", "./datafiles", "Directory for the decision journal and embedded stores")
	flag.StringVar(&args.LogDir, "logdir", "./log_files", "Directory to store log files")
	flag.StringVar(&args.ConfigFile, "config", "", "Path to a YAML config file")
	flag.StringVar(&args.Mode, "mode", "standalone", "Operation mode (standalone, external)")
	flag.StringVar(&args.Host, "host", "127.0.0.1", "Host name or IP address to listen on")
	flag.IntVar(&args.Port, "port", 1778, "Port to listen on")
	flag.BoolVar(&args.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&args.Debug, "debug", false, "Enable debug mode")
	flag.DurationVar(&args.QueryTimeout, "querytimeout", 30*time.Second, "Per-query execution timeout")
	flag.StringVar(&args.ScalarDSN, "scalardsn", "", "MySQL DSN for the scalar engine (external mode)")
	flag.StringVar(&args.DocumentURI, "documenturi", "", "MongoDB URI for the document engine (external mode)")
	flag.StringVar(&args.MetricDir, "metricdir", "", "Badger directory for the metric engine (external mode)")
	flag.StringVar(&args.Version, "version", "0.1.0", "Shows version")

	flag.Parse()

	// Config file values fill in anything flags left at defaults; flags
	// parsed again afterwards win.
	if args.ConfigFile != "" {
		if err := args.LoadConfigFile(args.ConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
			os.Exit(1)
		}
		flag.Parse()
	}

	if err := validateArguments(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	if args.Verbose {
		log.Println("TesseraDB starting with options:")
		log.Printf("  Data Directory: %s\n", args.DataDir)
		log.Printf("  Host: %s\n", args.Host)
		log.Printf("  Port: %d\n", args.Port)
		log.Printf("  Mode: %s\n", args.Mode)
		log.Printf("  Query Timeout: %s\n", args.QueryTimeout)
	}

	// Create and start the server
	srv, err := server.InitServer(args)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Handle graceful shutdown
	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)

	<-shutdownSignal
	fmt.Println("\nShutting down server...")

	if err := srv.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}

	fmt.Println("Server shutdown complete")
}

// validateArguments validates the arguments and returns an error if invalid
func validateArguments(args *settings.Arguments) error {
	dirInfo, err := os.Stat(args.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(args.DataDir, 0755); err != nil {
				return fmt.Errorf("could not create data directory: %w", err)
			}
		} else {
			return fmt.Errorf("error accessing data directory: %w", err)
		}
	} else if !dirInfo.IsDir() {
		return fmt.Errorf("data directory path exists but is not a directory: %s", args.DataDir)
	}

	if args.Port < 1 || args.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", args.Port)
	}

	if args.Mode != "standalone" && args.Mode != "external" {
		return fmt.Errorf("mode must be standalone or external, got %q", args.Mode)
	}
	if args.Mode == "external" {
		if args.ScalarDSN == "" || args.DocumentURI == "" || args.MetricDir == "" {
			return fmt.Errorf("external mode requires --scalardsn, --documenturi and --metricdir")
		}
	}
	return nil
}

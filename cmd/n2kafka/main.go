// Command n2kafka runs the ingestion gateway as a single process that
// listens, decodes, and produces to the broker.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/gateway"
)

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  n2kafka <config-file>")
	fmt.Println("\nSignals:")
	fmt.Println("  SIGHUP  reload configuration")
	fmt.Println("  SIGINT, SIGTERM  graceful shutdown")
}

func main() {
	os.Exit(run(os.Args))
}

// run is main's testable body: it returns an exit code instead of
// calling os.Exit directly.
func run(args []string) int {
	if len(args) < 2 || args[1] == "-h" || args[1] == "--help" {
		usage()
		if len(args) < 2 {
			return 1
		}
		return 0
	}

	configPath := args[1]
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "n2kafka: %v\n", err)
		return 1
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "n2kafka: %v\n", err)
		return 1
	}
	gw.Start()
	defer gw.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			newCfg, err := config.Load(configPath)
			if err != nil {
				log.Printf("n2kafka: reload %s: %v", configPath, err)
				continue
			}
			if err := gw.Reload(newCfg); err != nil {
				log.Printf("n2kafka: reload %s: %v", configPath, err)
				continue
			}
			log.Printf("n2kafka: reloaded configuration from %s", configPath)
		default:
			log.Printf("n2kafka: received %s, shutting down", sig)
			return 0
		}
	}
	return 0
}

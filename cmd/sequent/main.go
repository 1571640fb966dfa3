// Command sequent runs the sequent message-log server: a worker pool that
// drains registered reactors against a storage backend, plus admin
// subcommands for inspecting and managing consumer groups.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/sequent/examples/cart"
	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/reactor"
)

var (
	// Version information, set via -ldflags at build time.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sequent",
	Short: "sequent runs and administers a message-log event-sourcing server",
	Long: `sequent persists an ordered log of commands and events grouped into
streams, and drives user-defined actors, projectors, and reactions against
that log through a claim-based dispatch engine.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sequent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// buildRegistry wires every known reactor into a fresh registry. The
// worked example under examples/cart is the only reactor family shipped
// today; a real deployment would register its own actors, projectors, and
// reactions here in the same way.
func buildRegistry() (*reactor.Registry, error) {
	registry := reactor.NewRegistry()

	registrations := []struct {
		reactor reactor.Reactor
		family  reactor.Family
	}{
		{cart.NewActor(), reactor.FamilyActor},
		{cart.NewOrderSummary(), reactor.FamilyProjector},
		{cart.NewReceiptReaction(), reactor.FamilyReaction},
	}
	for _, r := range registrations {
		if err := registry.Register(reactor.Registration{Reactor: r.reactor, Family: r.family}); err != nil {
			return nil, fmt.Errorf("register %s: %w", r.reactor.ConsumerInfo().GroupID, err)
		}
	}
	return registry, nil
}

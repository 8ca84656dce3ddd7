package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ringrank",
		Short:         "Rank wrestlers by popularity across social and media sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(updateCmd())
	root.AddCommand(rankingsCmd())
	root.AddCommand(entitiesCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func updateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Collect metrics for every entity and recompute ranks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the run summary as JSON")
	return cmd
}

func rankingsCmd() *cobra.Command {
	var (
		jsonOutput bool
		sortBy     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "rankings",
		Short: "Show the current rankings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRankings(cmd.Context(), jsonOutput, sortBy, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&sortBy, "sort", "rank", "sort by rank, name or score")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entities to show")
	return cmd
}

func entitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Manage the tracked roster",
	}

	var in entityInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an entity to the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityAdd(cmd.Context(), in)
		},
	}
	add.Flags().StringVar(&in.name, "name", "", "display name (required)")
	add.Flags().StringVar(&in.bio, "bio", "", "short biography (required)")
	add.Flags().StringVar(&in.photo, "photo", "", "photo URL")
	add.Flags().StringVar(&in.twitter, "twitter", "", "Twitter/X handle")
	add.Flags().StringVar(&in.instagram, "instagram", "", "Instagram handle")
	add.Flags().StringVar(&in.youtube, "youtube", "", "YouTube channel handle")

	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List entities by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityList(cmd.Context(), query)
		},
	}
	list.Flags().StringVar(&query, "q", "", "name prefix filter")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one entity with its metrics and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityShow(cmd.Context(), args[0])
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an entity from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityRemove(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(add, list, show, remove)
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

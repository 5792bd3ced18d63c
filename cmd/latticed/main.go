// Package main provides the Lattice CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticeos/lattice/pkg/config"
	"github.com/latticeos/lattice/pkg/discovery"
	"github.com/latticeos/lattice/pkg/knowledge"
	"github.com/latticeos/lattice/pkg/lattice"
	"github.com/latticeos/lattice/pkg/syncq"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "latticed",
		Short: "Lattice - Knowledge OS core with dual-store sync and federated discovery",
		Long: `Lattice keeps structured knowledge consistent across two stores:
a relational Knowledge Store (SQLite) holding atoms, molecules and
documents, and a graph Relationship Store (BadgerDB) holding their
relationship structure.

Features:
  • Checksum-driven sync engine with durable queue and conflict detection
  • Federated discovery across full-text, vector and graph backends
  • Reciprocal Rank Fusion with persona-based re-ranking
  • Tenant-scoped result caching with sync-driven invalidation`,
	}
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides LATTICE_DATA_DIR)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Lattice v%s (%s)\n", version, commit)
		},
	})

	// Init command
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Lattice data directory",
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine until interrupted",
		Long:  "Open the stores, rebuild the search indexes, and drain the sync queue until SIGINT/SIGTERM.",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("workers", 0, "Sync worker count (overrides LATTICE_SYNC_WORKERS)")
	rootCmd.AddCommand(serveCmd)

	// Discover command
	discoverCmd := &cobra.Command{
		Use:   "discover [query]",
		Short: "Run a federated discovery query",
		Args:  cobra.ExactArgs(1),
		RunE:  runDiscover,
	}
	discoverCmd.Flags().String("tenant", "default", "Tenant ID")
	discoverCmd.Flags().Int("limit", 10, "Maximum results")
	discoverCmd.Flags().String("persona", "", "Persona profile for re-ranking")
	discoverCmd.Flags().StringSlice("seeds", nil, "Seed entity IDs for graph traversal")
	rootCmd.AddCommand(discoverCmd)

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, store and cache statistics",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// Conflicts command
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Sync conflict operations",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List entities awaiting conflict resolution",
		RunE:  runConflictsList,
	}
	listCmd.Flags().String("tenant", "", "Tenant ID (empty lists all tenants)")
	conflictsCmd.AddCommand(listCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve [entity-id]",
		Short: "Resolve a conflict by choosing the winning store",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictsResolve,
	}
	resolveCmd.Flags().String("tenant", "default", "Tenant ID")
	resolveCmd.Flags().String("kind", "atom", "Entity kind (atom|molecule|document)")
	resolveCmd.Flags().String("keep", "", "Winning side: relational or graph")
	_ = resolveCmd.MarkFlagRequired("keep")
	conflictsCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(conflictsCmd)

	// Queue command
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Sync queue operations",
	}
	deadCmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead-letter items",
		RunE:  runQueueDead,
	}
	deadCmd.Flags().String("tenant", "", "Tenant ID (empty lists all tenants)")
	queueCmd.AddCommand(deadCmd)
	queueCmd.AddCommand(&cobra.Command{
		Use:   "redrive [item-id]",
		Short: "Return a dead-letter item to the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRedrive,
	})
	rootCmd.AddCommand(queueCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges env config with command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.LoadFromEnv()
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDB(cmd *cobra.Command) (*lattice.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return lattice.Open(cfg)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("Initializing Lattice data directory in %s\n", cfg.Storage.DataDir)
	for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.GraphPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	personasPath := filepath.Join(cfg.Storage.DataDir, "personas.yaml")
	if _, err := os.Stat(personasPath); os.IsNotExist(err) {
		content := `# Lattice persona boost profiles.
# Boosts apply after rank fusion: preferred kinds have their fused score
# multiplied by the boost factor.
personas:
  - name: compliance
    boost: 1.5
    preferred_kinds: [molecule]
  - name: researcher
    boost: 1.2
    preferred_kinds: [document, atom]
`
		if err := os.WriteFile(personasPath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing personas: %w", err)
		}
	}

	// Opening once creates the SQLite schema and the badger layout.
	db, err := lattice.Open(cfg)
	if err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}

	fmt.Println("Database initialized successfully")
	fmt.Printf("  Knowledge store: %s\n", cfg.Storage.KnowledgePath())
	fmt.Printf("  Graph store:     %s\n", cfg.Storage.GraphPath())
	fmt.Printf("  Personas:        %s\n", personasPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  latticed serve --data-dir", cfg.Storage.DataDir)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Sync.Workers = workers
	}

	fmt.Printf("Starting Lattice v%s\n", version)
	fmt.Printf("  Data directory: %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Sync workers:   %d\n", cfg.Sync.Workers)
	fmt.Println()

	db, err := lattice.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	fmt.Println("Lattice is ready; sync engine draining. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	fmt.Println("Stopped gracefully")
	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	limit, _ := cmd.Flags().GetInt("limit")
	persona, _ := cmd.Flags().GetString("persona")
	seeds, _ := cmd.Flags().GetStringSlice("seeds")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := db.Discover(ctx, &discovery.Request{
		TenantID:      tenant,
		QueryText:     args[0],
		SeedEntityIDs: seeds,
		Persona:       persona,
		Limit:         limit,
	})
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	if resp.Partial {
		fmt.Println("(partial: one or more backends missed the deadline)")
	}
	if len(resp.Results) == 0 {
		fmt.Println("No results")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Printf("%2d. %-40s score=%.6f via %s\n",
			i+1, r.EntityID, r.Score, strings.Join(r.SourceBackends, ","))
	}
	fmt.Printf("\n%d result(s) in %v\n", len(resp.Results), time.Since(start).Round(time.Millisecond))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("Lattice status:")
	fmt.Printf("  Queue pending:   %d\n", st.QueuePending)
	fmt.Printf("  Conflicts:       %d\n", st.Conflicts)
	fmt.Printf("  Graph nodes:     %d\n", st.GraphNodes)
	fmt.Printf("  Graph edges:     %d\n", st.GraphEdges)
	fmt.Printf("  Indexed entities: %d (full-text), %d (vector)\n", st.IndexedDocs, st.Vectors)
	if st.Cache != nil {
		fmt.Printf("  Result cache:    %d/%d entries, %.1f%% hit rate\n",
			st.Cache.Size, st.Cache.MaxSize, st.Cache.HitRate)
	}
	return nil
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	conflicts, err := db.ListConflicts(context.Background(), tenant)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("No conflicts")
		return nil
	}
	for _, c := range conflicts {
		fmt.Printf("%s  %s/%s  attempts=%d\n  %s\n",
			c.TenantID, c.EntityKind, c.EntityID, c.Attempts, c.Error)
	}
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	kindStr, _ := cmd.Flags().GetString("kind")
	keep, _ := cmd.Flags().GetString("keep")

	kind := knowledge.EntityKind(kindStr)
	if !knowledge.ValidEntityKind(kind) {
		return fmt.Errorf("unknown entity kind %q", kindStr)
	}
	var dir syncq.ResolveDirection
	switch keep {
	case "relational":
		dir = syncq.ResolveKeepRelational
	case "graph":
		dir = syncq.ResolveKeepGraph
	default:
		return fmt.Errorf("--keep must be 'relational' or 'graph', got %q", keep)
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.ResolveConflict(context.Background(), tenant, kind, args[0], dir); err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	fmt.Printf("Resolved %s/%s keeping the %s store\n", kind, args[0], keep)
	return nil
}

func runQueueDead(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.DeadLetters(context.Background(), tenant)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No dead-letter items")
		return nil
	}
	for _, it := range items {
		fmt.Printf("%s  %s  %s/%s %s  attempts=%d\n  %s\n",
			it.ID, it.TenantID, it.EntityKind, it.EntityID, it.Operation, it.Attempts, it.LastError)
	}
	return nil
}

func runQueueRedrive(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Redrive(context.Background(), args[0]); err != nil {
		return fmt.Errorf("redrive: %w", err)
	}
	fmt.Printf("Item %s returned to the queue\n", args[0])
	return nil
}

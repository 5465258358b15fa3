// Command cogmem is a thin CLI over the System façade, grounded on
// cmd/sqvect/main.go's command tree (persistent flags, one cobra.Command
// per façade operation, --json output toggle).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	cogmem "github.com/cogmem/cogmem"
)

var (
	metaPath string
	vecPath  string
	asJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "cogmem",
	Short: "CLI for the cogmem cognitive memory engine",
	Long:  "A command-line interface for storing, recalling, and consolidating memories.",
}

func openSystem(ctx context.Context) (*cogmem.System, error) {
	cfg := cogmem.ConfigFromEnv()
	if metaPath != "" {
		cfg.MetadataPath = metaPath
	}
	if vecPath != "" {
		cfg.VectorPath = vecPath
	}
	return cogmem.Open(ctx, cfg, nil)
}

var storeCmd = &cobra.Command{
	Use:   "store <text>",
	Short: "Store a new memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parentID, _ := cmd.Flags().GetString("parent-id")
		sourcePath, _ := cmd.Flags().GetString("source-path")
		levelHint, _ := cmd.Flags().GetInt("level-hint")
		hasLevelHint := cmd.Flags().Changed("level-hint")

		ctx := context.Background()
		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer sys.Close()

		in := cogmem.StoreInput{Text: args[0], ParentID: parentID, SourcePath: sourcePath}
		if hasLevelHint {
			in.LevelHint = &levelHint
		}

		result, err := sys.Store(ctx, in)
		if err != nil {
			return fmt.Errorf("store failed: %w", err)
		}
		return printResult(result)
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Recall memories related to a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kCore, _ := cmd.Flags().GetInt("k-core")
		kPeripheral, _ := cmd.Flags().GetInt("k-peripheral")
		kBridge, _ := cmd.Flags().GetInt("k-bridge")

		ctx := context.Background()
		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer sys.Close()

		result, err := sys.Recall(ctx, args[0], cogmem.RecallLimits{KCore: kCore, KPeripheral: kPeripheral, KBridge: kBridge})
		if err != nil {
			return fmt.Errorf("recall failed: %w", err)
		}
		return printResult(result)
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run a decay/eviction/promotion maintenance pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer sys.Close()

		result, err := sys.Consolidate(ctx)
		if err != nil {
			return fmt.Errorf("consolidate failed: %w", err)
		}
		return printResult(result)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display memory-store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer sys.Close()

		result, err := sys.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats failed: %w", err)
		}
		if asJSON {
			return printResult(result)
		}

		levels := maps.Keys(result.CountByLevel)
		slices.Sort(levels)
		fmt.Println("Memory counts by level:")
		for _, level := range levels {
			fmt.Printf("  level %d: %d\n", level, result.CountByLevel[level])
		}
		fmt.Printf("Connections: %d\n", result.EdgeCount)
		return nil
	},
}

var deleteBySourceCmd = &cobra.Command{
	Use:   "delete-by-source <path>",
	Short: "Delete every memory recorded against a source path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer sys.Close()

		count, err := sys.DeleteBySource(ctx, args[0])
		if err != nil {
			return fmt.Errorf("delete-by-source failed: %w", err)
		}
		fmt.Printf("Deleted %d memories with source_path %q\n", count, args[0])
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the vector store against the metadata store on startup",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer sys.Close()

		removed, reembedded, err := sys.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		fmt.Printf("Removed %d orphan vectors, re-embedded %d orphan memories\n", removed, reembedded)
		return nil
	},
}

func printResult(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metaPath, "meta-db", "", "metadata database path (overrides COGMEM_METADATA_PATH)")
	rootCmd.PersistentFlags().StringVar(&vecPath, "vector-db", "", "vector database path (overrides COGMEM_VECTOR_PATH)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print stats as JSON (store, recall and consolidate always print JSON)")

	storeCmd.Flags().String("parent-id", "", "parent memory id (must be at a strictly lower level)")
	storeCmd.Flags().String("source-path", "", "source file path, if ingested from a synced file")
	storeCmd.Flags().Int("level-hint", 0, "hierarchy level hint (0=concept, 1=context, 2=episode)")

	recallCmd.Flags().Int("k-core", 0, "max core results (0 = unlimited)")
	recallCmd.Flags().Int("k-peripheral", 0, "max peripheral results (0 = unlimited)")
	recallCmd.Flags().Int("k-bridge", 0, "max bridge results (0 = component default)")

	rootCmd.AddCommand(storeCmd, recallCmd, consolidateCmd, statsCmd, deleteBySourceCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

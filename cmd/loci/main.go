// Command loci runs the Memory Engine's tool-protocol adapter, or performs
// one of its operator subcommands (stats, maintain, export, import,
// reindex) against the same store a running `loci serve` would use.
//
// ALL logging goes to stderr. When running `serve`, stdout is the JSON-RPC
// protocol channel and must never carry anything but responses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/loci-mem/loci/internal/api/tools"
	"github.com/loci-mem/loci/internal/config"
	"github.com/loci-mem/loci/internal/embed"
	"github.com/loci-mem/loci/internal/engine"
	"github.com/loci-mem/loci/internal/maintenance"
	"github.com/loci-mem/loci/internal/store"
)

var version = "dev"

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("loci: ")

	configPath := flag.String("config", "", "Path to config file (optional, env vars still override)")
	dbPath := flag.String("db", "", "Path to database file (overrides config)")
	cleanup := flag.Bool("cleanup", false, "maintain: run cleanup instead of decay/compact/promote")
	dryRun := flag.Bool("dry-run", false, "maintain -cleanup: report candidates without deleting")
	flag.Parse()

	// flag.Parse stops at the first non-flag argument; keep parsing after
	// each positional argument so flags may also follow the subcommand, as
	// in `loci maintain -cleanup`.
	var args []string
	for rest := flag.Args(); len(rest) > 0; rest = flag.Args() {
		args = append(args, rest[0])
		_ = flag.CommandLine.Parse(rest[1:])
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(2)
	}

	// reindex opens without the model-mismatch guard: it is the repair
	// path for exactly the mismatch a normal open refuses.
	eng, err := openEngine(cfg, args[0] == "reindex")
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()

	switch args[0] {
	case "serve":
		runServe(ctx, eng, cfg)
	case "stats":
		runStats(ctx, eng, args[1:])
	case "maintain":
		runMaintain(ctx, eng, *cleanup, *dryRun)
	case "export":
		requireArg(args, 1, "export <path>")
		runExport(ctx, eng, args[1])
	case "import":
		requireArg(args, 1, "import <path>")
		runImport(ctx, eng, args[1])
	case "reindex":
		runReindex(ctx, eng)
	default:
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(2)
	}
}

func usage() string {
	return "usage: loci <serve|stats|maintain [-cleanup] [-dry-run]|export <path>|import <path>|reindex> [-config path] [-db path]"
}

func requireArg(args []string, idx int, want string) {
	if len(args) <= idx || args[idx] == "" {
		fmt.Fprintf(os.Stderr, "loci: missing argument, expected: %s\n", want)
		os.Exit(2)
	}
}

func openEngine(cfg config.Config, forReindex bool) (*engine.Engine, error) {
	emb, err := embed.New(embed.Options{
		Cache:           embed.NewLocalCache(cfg.Embedding.CacheDir),
		ResultCacheSize: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	var st *store.Store
	if forReindex {
		st, err = store.OpenForReindex(cfg.Storage.DBPath)
	} else {
		st, err = store.Open(cfg.Storage.DBPath, emb.ModelName(), emb.Dim())
	}
	if err != nil {
		return nil, err
	}

	return engine.New(st, emb, cfg), nil
}

// runServe starts the JSON-RPC stdio adapter and wires the operator trigger
// directory to an on-demand cleanup pass.
func runServe(ctx context.Context, eng *engine.Engine, cfg config.Config) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	triggerDir := cfg.Storage.DBPath + ".triggers"
	watcher := maintenance.NewTriggerWatcher(triggerDir, func() {
		result, err := eng.Cleanup(ctx, false)
		if err != nil {
			log.Printf("triggered cleanup failed: %v", err)
			return
		}
		log.Printf("triggered cleanup removed %d memories", len(result.Candidates))
	})
	if err := watcher.Start(); err != nil {
		log.Printf("trigger watcher disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	srv := tools.NewServer(eng, version)
	transport := tools.NewStdioTransport(srv, os.Stdin, os.Stdout)
	transport.SetLogger(log.Default())

	log.Printf("loci serving on stdio, db=%s", cfg.Storage.DBPath)
	if err := transport.Serve(ctx); err != nil {
		log.Printf("serve stopped: %v", err)
	}
}

func runStats(ctx context.Context, eng *engine.Engine, args []string) {
	group := ""
	if len(args) > 0 {
		group = args[0]
	}
	stats, err := eng.MemoryStats(ctx, group)
	if err != nil {
		log.Fatalf("stats: %v", err)
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}

func runMaintain(ctx context.Context, eng *engine.Engine, cleanup, dryRun bool) {
	if cleanup {
		result, err := eng.Cleanup(ctx, dryRun)
		if err != nil {
			log.Fatalf("cleanup: %v", err)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return
	}

	result, err := eng.RunMaintenance(ctx)
	if err != nil {
		log.Fatalf("maintain: %v", err)
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

func runExport(ctx context.Context, eng *engine.Engine, path string) {
	bundle, err := eng.Export(ctx)
	if err != nil {
		log.Fatalf("export: %v", err)
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		log.Fatalf("export: marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatalf("export: write %s: %v", path, err)
	}
	log.Printf("exported %d memories, %d relations to %s", len(bundle.Memories), len(bundle.Relations), path)
}

func runImport(ctx context.Context, eng *engine.Engine, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("import: read %s: %v", path, err)
	}
	if err := eng.Import(ctx, data); err != nil {
		log.Fatalf("import: %v", err)
	}
	log.Printf("imported from %s", path)
}

func runReindex(ctx context.Context, eng *engine.Engine) {
	result, err := eng.Reindex(ctx)
	if err != nil {
		log.Fatalf("reindex: %v", err)
	}
	log.Printf("reindexed %d memories", result.Reembedded)
}

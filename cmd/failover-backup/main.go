package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/failover/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "./failover-data", "Failover data directory")
	exportPath = flag.String("export", "", "Write the state of the data directory to this JSON file")
	importPath = flag.String("import", "", "Replace the state of the data directory with this JSON file")
	dryRun     = flag.Bool("dry-run", false, "Show what would be imported without making changes")
)

// backup is the file format: bucket name to key to stored record
type backup map[string]map[string]json.RawMessage

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Failover state backup tool")

	if (*exportPath == "") == (*importPath == "") {
		log.Fatal("Exactly one of -export and -import is required")
	}

	dbPath := filepath.Join(*dataDir, "failover.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) && *exportPath != "" {
		log.Fatalf("Database not found at %s", dbPath)
	}
	log.Printf("Database: %s", dbPath)

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if *exportPath != "" {
		err = exportState(store, *exportPath)
	} else {
		err = importState(store, *importPath, *dryRun)
	}
	if err != nil {
		log.Fatalf("Backup failed: %v", err)
	}
}

func exportState(store *storage.BoltStore, path string) error {
	snapshot, err := store.Snapshot()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(backup(snapshot), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	summarize(snapshot)
	log.Printf("✓ State exported to %s", path)
	return nil
}

func importState(store *storage.BoltStore, path string, dryRun bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot backup
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("invalid backup file: %w", err)
	}
	summarize(snapshot)

	if dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without -dry-run to replace the current state.")
		return nil
	}

	// keep what the import replaces
	current, err := store.Snapshot()
	if err != nil {
		return err
	}
	previous, err := json.Marshal(backup(current))
	if err != nil {
		return err
	}
	previousPath := path + ".previous"
	if err := os.WriteFile(previousPath, previous, 0600); err != nil {
		return fmt.Errorf("failed to save current state: %w", err)
	}
	log.Printf("✓ Current state saved to %s", previousPath)

	if err := store.Restore(snapshot); err != nil {
		return err
	}
	log.Println("✓ State imported")
	log.Println("Only import into a stopped replica; a running raft group overwrites it from its log.")
	return nil
}

func summarize(snapshot backup) {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.Printf("  %-20s %d records", name, len(snapshot[name]))
	}
}

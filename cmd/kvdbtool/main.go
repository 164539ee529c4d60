// Command kvdbtool opens a database directory and runs one inspection
// or maintenance subcommand against it: open, get, stats, rebalance,
// reindex.
// Grounded on the teacher's cmd/ tools' plain flag.FlagSet-per-subcommand
// dispatch and on pkg/blobserver/diskpacked/reindex.go's Reindex as the
// model for a maintenance entry point driven from the CLI.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/Blockchain215/blockchain-parity-db/internal/config"
	"github.com/Blockchain215/blockchain-parity-db/pkg/kvdb"
	"github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "open":
		err = runOpen(args)
	case "get":
		err = runGet(args)
	case "stats":
		err = runStats(args)
	case "rebalance":
		err = runRebalance(args)
	case "reindex":
		err = runReindex(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("kvdbtool %s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kvdbtool <open|get|stats|rebalance|reindex> [flags]")
}

func commonFlags(fs *flag.FlagSet) (dir, cfgPath *string) {
	dir = fs.String("dir", "", "database directory")
	cfgPath = fs.String("config", "", "path to column config (JWCC)")
	return
}

func openDB(dir, cfgPath string) (*kvdb.Database, error) {
	if dir == "" || cfgPath == "" {
		return nil, fmt.Errorf("-dir and -config are required")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return kvdb.Open(dir, cfg, kvdb.Options{})
}

func runOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	dir, cfgPath := commonFlags(fs)
	fs.Parse(args)

	db, err := openDB(*dir, *cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Printf("opened %s (generation %s)\n", *dir, db.Generation())
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dir, cfgPath := commonFlags(fs)
	column := fs.String("column", "", "column name")
	keyHex := fs.String("key", "", "32-byte key, hex-encoded")
	fs.Parse(args)

	key, err := parseKey(*keyHex)
	if err != nil {
		return err
	}
	db, err := openDB(*dir, *cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	value, ok, err := db.Get(*column, key)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("not found")
		return nil
	}
	fmt.Printf("%d bytes: %s\n", len(value), hex.EncodeToString(value))
	return nil
}

func runRebalance(args []string) error {
	fs := flag.NewFlagSet("rebalance", flag.ExitOnError)
	dir, cfgPath := commonFlags(fs)
	column := fs.String("column", "", "column name")
	fs.Parse(args)

	db, err := openDB(*dir, *cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	progress, err := db.Rebalance(*column)
	if err != nil {
		return err
	}
	switch progress.Status {
	case kvstore.RebalanceInactive:
		fmt.Println("nothing to rebalance")
	case kvstore.RebalanceInProgress:
		fmt.Printf("rebalanced %d/%d chunks\n", progress.Progress, progress.Total)
	}
	return nil
}

// runReindex calls Rebalance until it reports RebalanceInactive, which
// happens as soon as the oldest queued index has been fully drained (or
// when nothing is queued). Indexes queued behind the oldest one are not
// drained by a single run. Modeled on
// pkg/blobserver/diskpacked/reindex.go's pattern of a standalone
// maintenance pass a running server would otherwise do incrementally.
func runReindex(args []string) error {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	dir, cfgPath := commonFlags(fs)
	column := fs.String("column", "", "column name")
	fs.Parse(args)

	db, err := openDB(*dir, *cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	for {
		progress, err := db.Rebalance(*column)
		if err != nil {
			return err
		}
		if progress.Status == kvstore.RebalanceInactive {
			fmt.Println("reindex complete")
			return nil
		}
		fmt.Printf("reindexed %d/%d chunks\n", progress.Progress, progress.Total)
	}
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dir, cfgPath := commonFlags(fs)
	column := fs.String("column", "", "column name")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	db, err := kvdb.Open(*dir, cfg, kvdb.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	col, ok := db.Column(*column)
	if !ok {
		return fmt.Errorf("unknown column %q", *column)
	}
	fmt.Printf("column %q (id %d)\n", *column, col.ID())

	var total uint64
	for tier := 0; tier < kvstore.MaxSizeTiers; tier++ {
		filled := col.ValueTableFilled(uint8(tier))
		total += filled * uint64(col.ValueTableEntrySize(uint8(tier)))
		if filled > 0 {
			fmt.Printf("  tier %2d: %s slots filled (%s)\n", tier, humanize.Comma(int64(filled)), humanize.Bytes(filled*uint64(col.ValueTableEntrySize(uint8(tier)))))
		}
	}
	fmt.Printf("  total on-disk slot capacity: %s\n", humanize.Bytes(total))
	return nil
}

func parseKey(s string) (kvstore.Key, error) {
	var k kvstore.Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decoding -key: %w", err)
	}
	if len(b) != kvstore.KeySize {
		return k, fmt.Errorf("-key must be %d bytes hex-encoded, got %d", kvstore.KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/arkfield/fdb/pkg/config"
	"github.com/arkfield/fdb/pkg/engine"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(fdberr.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fdb_adopt",
	Short: "fdb_adopt - index a legacy field tree in place",
	Long: `fdb_adopt walks a legacy directory tree whose path segments spell out
key values in schema keyword order (db keywords, then index keywords,
then datum keywords), and indexes every file it finds into a database
without copying any bytes: each indexed FieldLocation points at the
legacy file where it already lies.`,
	Version: Version,
	RunE:    runAdopt,
}

func init() {
	rootCmd.Flags().String("root", "", "Legacy tree to adopt (required)")
	rootCmd.Flags().String("schema", "", "Schema YAML path (falls back to FDB_SCHEMA_FILE / config)")
	rootCmd.Flags().Bool("dry-run", false, "Report what would be adopted without writing anything")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("root")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		logging.Init(logging.Config{Level: logging.Level(level)})
	})
}

func runAdopt(cmd *cobra.Command, args []string) error {
	legacyRoot, _ := cmd.Flags().GetString("root")
	schemaPath, _ := cmd.Flags().GetString("schema")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if schemaPath == "" {
		schemaPath = cfg.SchemaPath
	}
	if schemaPath == "" {
		return fdberr.Newf(fdberr.UsageError, "fdb_adopt", "no schema given; use --schema or FDB_SCHEMA_FILE")
	}
	sch, err := schema.LoadFile(schemaPath)
	if err != nil {
		return err
	}

	dbKeywords := sch.Rule(schema.DBLevel).Keywords
	indexKeywords := sch.Rule(schema.IndexLevel).Keywords
	datumKeywords := sch.Rule(schema.DatumLevel).Keywords
	depth := len(dbKeywords) + len(indexKeywords) + len(datumKeywords)

	eng := engine.New(cfg, sch)
	defer eng.Close()

	// One pass: group adopted files by DB-Key so each Catalogue is
	// opened once and flushed once with its exact archive count.
	type adoption struct {
		indexKey *key.Key
		datumKey *key.Key
		loc      location.FieldLocation
	}
	byDB := make(map[string][]adoption)
	dbKeys := make(map[string]*key.Key)

	err = filepath.WalkDir(legacyRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(legacyRoot, path)
		if err != nil {
			return err
		}
		segments := strings.Split(filepath.ToSlash(rel), "/")
		if len(segments) != depth {
			logging.Warn("skipping " + rel + ": path depth does not match schema")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		dbKey := key.New()
		indexKey := key.New()
		datumKey := key.New()
		i := 0
		for _, kw := range dbKeywords {
			dbKey.Insert(kw, segments[i])
			i++
		}
		for _, kw := range indexKeywords {
			indexKey.Insert(kw, segments[i])
			i++
		}
		for _, kw := range datumKeywords {
			datumKey.Insert(kw, segments[i])
			i++
		}

		canon := dbKey.Canonical()
		dbKeys[canon] = dbKey
		byDB[canon] = append(byDB[canon], adoption{
			indexKey: indexKey,
			datumKey: datumKey,
			loc:      location.NewFile(path, 0, uint64(info.Size())),
		})
		return nil
	})
	if err != nil {
		return fdberr.New(fdberr.Transport, "fdb_adopt", err).WithURI(legacyRoot)
	}

	total := 0
	for canon, adoptions := range byDB {
		if dryRun {
			for _, a := range adoptions {
				fmt.Printf("would adopt %s %s -> %s\n", canon, a.datumKey.Canonical(), a.loc.URI())
			}
			total += len(adoptions)
			continue
		}

		cat, err := eng.WriterFor(dbKeys[canon])
		if err != nil {
			return err
		}
		for _, a := range adoptions {
			if err := cat.SelectIndex(a.indexKey); err != nil {
				return err
			}
			if err := cat.Archive(a.datumKey, a.loc); err != nil {
				return err
			}
		}
		if err := cat.Flush(len(adoptions)); err != nil {
			return err
		}
		total += len(adoptions)
	}

	if dryRun {
		fmt.Printf("dry run: %d fields in %d databases\n", total, len(byDB))
	} else {
		fmt.Printf("adopted %d fields into %d databases\n", total, len(byDB))
	}
	return nil
}

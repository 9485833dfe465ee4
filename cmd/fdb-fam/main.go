package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/store"
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
	Use:     "fdb-fam",
	Short:   "fdb-fam - diagnose FAM buckets and objects",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		logging.Init(logging.Config{Level: logging.Level(level)})
	})

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(listCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <fam-uri>",
	Short: "Parse a fam:// URI and report its bucket and object parts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil {
			return fdberr.New(fdberr.UsageError, "fdb-fam", err).WithURI(args[0])
		}
		if u.Scheme != "fam" {
			return fdberr.Newf(fdberr.UsageError, "fdb-fam", "expected fam:// scheme, got %q", u.Scheme)
		}
		fmt.Printf("uri:      %s\n", args[0])
		fmt.Printf("endpoint: %s\n", u.Host)
		fmt.Printf("bucket:   %s\n", bucketOf(u))
		fmt.Printf("object:   %s\n", objectOf(u))
		if u.RawQuery != "" {
			fmt.Printf("query:    %s\n", u.RawQuery)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <fam-uri>",
	Short: "List the storage units of a FAM-backed store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		uris, err := st.StoreUnitURIs(context.Background())
		if err != nil {
			return err
		}
		for _, uri := range uris {
			fmt.Println(uri)
		}
		return nil
	},
}

// bucketOf and objectOf split a fam path /bucket/object/... into its
// first segment and the remainder.
func bucketOf(u *url.URL) string {
	path := u.Path
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return path
}

func objectOf(u *url.URL) string {
	path := u.Path
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return ""
}

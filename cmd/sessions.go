package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/sessions"
)

// sessionsCmd operates on the session store directly, so it works while the
// gateway is down. The store's file locks keep concurrent access safe.
func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsExportCmd())
	cmd.AddCommand(sessionsImportCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(sessionsRenameCmd())
	cmd.AddCommand(sessionsArchiveCmd())
	return cmd
}

func openSessionStore() *sessions.Store {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()
	store, err := sessions.New(sessions.Options{Dir: cfg.SessionDirOrDefault()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "session store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent activity first",
		Run: func(cmd *cobra.Command, args []string) {
			store := openSessionStore()
			entries, err := store.ListIndex()
			if err != nil {
				fmt.Fprintf(os.Stderr, "list: %v\n", err)
				os.Exit(1)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPROVIDER\tMESSAGES\tLAST ACTIVITY\tTITLE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					e.SessionID, e.ActiveProviderID, e.Messages,
					e.LastActivityAt.Local().Format(time.DateTime), e.Title)
			}
			w.Flush()
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openSessionStore()
			rec, err := store.Export(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "show: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("session %s (provider %s, %d messages)\n\n", rec.SessionID, rec.ActiveProviderID, len(rec.History))
			for _, msg := range rec.History {
				fmt.Printf("--- %s\n%s\n\n", msg.Role, msg.Content)
			}
		},
	}
}

func sessionsExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a session record as JSON",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openSessionStore()
			rec, err := store.Export(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "export: %v\n", err)
				os.Exit(1)
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "export: %v\n", err)
				os.Exit(1)
			}
			data = append(data, '\n')
			if out == "" || out == "-" {
				os.Stdout.Write(data)
				return
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "export: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "-", "output file (- for stdout)")
	return cmd
}

func sessionsImportCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a previously exported session record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "import: %v\n", err)
				os.Exit(1)
			}
			var rec sessions.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				fmt.Fprintf(os.Stderr, "import: %v\n", err)
				os.Exit(1)
			}
			store := openSessionStore()
			if err := store.Import(&rec, overwrite); err != nil {
				fmt.Fprintf(os.Stderr, "import: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("imported %s\n", rec.SessionID)
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing session with the same id")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openSessionStore()
			if err := store.Delete(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "delete: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("deleted %s\n", args[0])
		},
	}
}

func sessionsRenameCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "rename <from> <to>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store := openSessionStore()
			if err := store.Rename(args[0], args[1], overwrite); err != nil {
				fmt.Fprintf(os.Stderr, "rename: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("renamed %s -> %s\n", args[0], args[1])
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace the target if it exists")
	return cmd
}

func sessionsArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Move a session into the archive directory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openSessionStore()
			if err := store.Archive(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "archive: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("archived %s\n", args[0])
		},
	}
}

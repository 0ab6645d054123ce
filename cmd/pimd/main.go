package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pimstore/internal/app"
	"pimstore/internal/config"
	"pimstore/internal/notify"
	"pimstore/internal/pim"
)

// cliResource identifies the command line tool in sessions and events.
const cliResource = "pimd-cli"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, string, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	path := paths.ConfigPath
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, path, nil
}

// passphrase returns the identity passphrase from the environment, or asks
// for it when age encryption is configured and stdin is a terminal.
func passphrase(cfg *config.Config) (string, error) {
	if p := os.Getenv(app.PassphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if cfg.Encryption.Type != "age" || !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Identity passphrase (empty for none): ")
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(p), nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command) (*app.App, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}
	pass, err := passphrase(cfg)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	a, err := app.NewApp(cmd.Context(), cfg, app.Options{Passphrase: pass, LogLevel: level})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// withSession runs fn with a fresh App and a session for the CLI.
func withSession(cmd *cobra.Command, fn func(a *app.App, cookie string) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Handshake(cliResource)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer a.Logout(s.Cookie)

	if err := fn(a, s.Cookie); err != nil {
		return fmt.Errorf("%w (status %s)", err, app.StatusOf(err))
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

var rootCmd = &cobra.Command{
	Use:          "pimd",
	Short:        "Personal information object store",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(paths.BaseDir)
		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		fmt.Printf("Run 'pimd db migrate' to create the database.\n")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Database:    %s (%s) %s\n", cfg.Database.Type, cfg.Database.Driver, cfg.Database.DataDir)
		switch cfg.Blob.Type {
		case "s3":
			fmt.Printf("Blob Store:  s3://%s/%s\n", cfg.Blob.S3Bucket, cfg.Blob.S3Prefix)
		default:
			fmt.Printf("Blob Store:  %s %s\n", cfg.Blob.Type, cfg.Blob.Root)
		}
		threshold := "backend default"
		if cfg.Payload.InlineThreshold > 0 {
			threshold = strconv.Itoa(cfg.Payload.InlineThreshold)
		}
		fmt.Printf("Inline Max:  %s\n", threshold)
		fmt.Printf("Compression: %s\n", cfg.Payload.Compression)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		fmt.Printf("Sessions:    valid for %s, swept every %s\n", cfg.Session.ValidFor, cfg.Session.SweepInterval)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		st, err := app.DatabaseStatus(cfg)
		if err != nil {
			return err
		}

		state := "up to date"
		switch {
		case st.Dirty:
			state = "dirty (a migration failed)"
		case st.Version < st.Latest:
			state = "needs migration"
		case st.Version > st.Latest:
			state = "newer than this binary"
		}
		fmt.Printf("Schema version %d of %d: %s\n", st.Version, st.Latest, state)
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the applied schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		schema, err := app.DatabaseSchema(cfg)
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

// payload command
var payloadCmd = &cobra.Command{
	Use:   "payload",
	Short: "Maintain the external payload store",
}

var payloadGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove blobs no item references",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()

		n, err := a.CollectGarbage(ctx)
		cancel()
		if runErr := <-done; runErr != nil && err == nil {
			err = runErr
		}
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d orphaned blob(s)\n", n)
		return nil
	},
}

// collection command
var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage collections",
}

var collectionAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetInt64("parent")
		mimeTypes, _ := cmd.Flags().GetStringSlice("mime")
		resource, _ := cmd.Flags().GetString("resource")

		return withSession(cmd, func(a *app.App, cookie string) error {
			c, err := a.CreateCollection(cmd.Context(), cookie, pim.NewCollection{
				ParentID:  parent,
				Name:      args[0],
				Resource:  resource,
				MimeTypes: mimeTypes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created collection %d (%s)\n", c.ID, c.Name)
			return nil
		})
	},
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List child collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetInt64("parent")

		return withSession(cmd, func(a *app.App, cookie string) error {
			cols, err := a.ListCollections(cmd.Context(), cookie, parent)
			if err != nil {
				return err
			}
			if len(cols) == 0 {
				fmt.Println("No collections.")
				return nil
			}
			for _, c := range cols {
				mimes := "*"
				if len(c.MimeTypes) > 0 {
					mimes = strings.Join(c.MimeTypes, ",")
				}
				fmt.Printf("%6d  %-24s  %-12s  rev %-4d  %s\n", c.ID, c.Name, c.Resource, c.Revision, mimes)
			}
			return nil
		})
	},
}

var collectionRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a collection and everything below it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withSession(cmd, func(a *app.App, cookie string) error {
			if err := a.DeleteCollection(cmd.Context(), cookie, id); err != nil {
				return err
			}
			fmt.Printf("Deleted collection %d\n", id)
			return nil
		})
	},
}

// item command
var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage items",
}

// readParts loads name=path part specs. A path of "-" reads stdin.
func readParts(specs []string) (map[string][]byte, error) {
	parts := make(map[string][]byte, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("part %q: want NAME=PATH", spec)
		}
		var data []byte
		var err error
		if path == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(filepath.Clean(path))
		}
		if err != nil {
			return nil, fmt.Errorf("reading part %q: %w", name, err)
		}
		parts[name] = data
	}
	return parts, nil
}

var itemAddCmd = &cobra.Command{
	Use:   "add COLLECTION",
	Short: "Create an item from files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, err := parseID(args[0])
		if err != nil {
			return err
		}
		mimeType, _ := cmd.Flags().GetString("mime")
		remoteID, _ := cmd.Flags().GetString("remote-id")
		specs, _ := cmd.Flags().GetStringArray("part")
		parts, err := readParts(specs)
		if err != nil {
			return err
		}

		return withSession(cmd, func(a *app.App, cookie string) error {
			it, err := a.CreateItem(cmd.Context(), cookie, pim.NewItem{
				CollectionID: collection,
				MimeType:     mimeType,
				RemoteID:     remoteID,
				Parts:        parts,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created item %d (%d bytes)\n", it.ID, it.Size)
			return nil
		})
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list COLLECTION",
	Short: "List the items of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withSession(cmd, func(a *app.App, cookie string) error {
			items, err := a.ListItems(cmd.Context(), cookie, collection)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No items.")
				return nil
			}
			for _, it := range items {
				fmt.Printf("%6d  %-24s  %10d  rev %-4d  %s\n",
					it.ID, it.MimeType, it.Size, it.Revision, it.ModifiedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var itemCatCmd = &cobra.Command{
	Use:   "cat ITEM PART",
	Short: "Write a part's payload to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		if !force && term.IsTerminal(int(os.Stdout.Fd())) {
			return errors.New("refusing to write a raw payload to a terminal; redirect stdout or pass --force")
		}

		return withSession(cmd, func(a *app.App, cookie string) error {
			data, err := a.ReadPart(cmd.Context(), cookie, id, args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		})
	},
}

var itemRmCmd = &cobra.Command{
	Use:   "rm ITEM",
	Short: "Delete an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withSession(cmd, func(a *app.App, cookie string) error {
			if err := a.DeleteItem(cmd.Context(), cookie, id); err != nil {
				return err
			}
			fmt.Printf("Deleted item %d\n", id)
			return nil
		})
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run background maintenance and stream change events",
	RunE: func(cmd *cobra.Command, args []string) error {
		eventsPath, _ := cmd.Flags().GetString("events")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if eventsPath != "" {
			f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("opening event stream: %w", err)
			}
			defer f.Close()

			s, err := a.Handshake(cliResource)
			if err != nil {
				return err
			}
			defer a.Logout(s.Cookie)
			if _, err := a.Subscribe(s.Cookie, notify.Filter{}, false, notify.NewStreamSink(f)); err != nil {
				return fmt.Errorf("subscribing: %w", err)
			}
		}

		fmt.Fprintln(os.Stderr, "pimd running; press Ctrl-C to stop")
		return a.Run(ctx)
	},
}

// events command
var eventsCmd = &cobra.Command{
	Use:   "events FILE",
	Short: "Print a recorded event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening event stream: %w", err)
		}
		defer f.Close()

		r := notify.NewFrameReader(f)
		for {
			fr, err := r.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("#%-6d %-10s %-6s id=%-6d parent=%-6d rev=%-4d %s %s\n",
				fr.Sequence, fr.Kind, fr.Operation, fr.ID, fr.ParentID, fr.Revision, fr.MimeType, strings.Join(fr.Parts, ","))
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	payloadCmd.AddCommand(payloadGCCmd)

	// collection subcommands
	collectionCmd.AddCommand(collectionAddCmd)
	collectionAddCmd.Flags().Int64P("parent", "p", pim.RootID, "Parent collection ID")
	collectionAddCmd.Flags().StringSliceP("mime", "m", nil, "Allowed item mime types")
	collectionAddCmd.Flags().String("resource", "", "Owning resource (default: inherited)")
	collectionCmd.AddCommand(collectionListCmd)
	collectionListCmd.Flags().Int64P("parent", "p", pim.RootID, "Parent collection ID")
	collectionCmd.AddCommand(collectionRmCmd)

	// item subcommands
	itemCmd.AddCommand(itemAddCmd)
	itemAddCmd.Flags().StringP("mime", "m", "", "Item mime type")
	itemAddCmd.Flags().String("remote-id", "", "Remote identifier")
	itemAddCmd.Flags().StringArrayP("part", "p", nil, "Part as NAME=PATH (- for stdin)")
	itemAddCmd.MarkFlagRequired("mime")
	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemCatCmd)
	itemCatCmd.Flags().BoolP("force", "f", false, "Write to a terminal anyway")
	itemCmd.AddCommand(itemRmCmd)

	serveCmd.Flags().String("events", "", "Append CBOR change frames to this file")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(payloadCmd)
	rootCmd.AddCommand(collectionCmd)
	rootCmd.AddCommand(itemCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(eventsCmd)
}

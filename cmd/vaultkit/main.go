package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/kittclouds/vaultkit/internal/events"
	"github.com/kittclouds/vaultkit/internal/nodes"
	"github.com/kittclouds/vaultkit/internal/semindex"
	"github.com/kittclouds/vaultkit/internal/snapshot"
	"github.com/kittclouds/vaultkit/internal/srs"
	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/internal/vault"
	pkgconfig "github.com/kittclouds/vaultkit/pkg/config"
)

func main() {
	cmd := &cli.Command{
		Name:    "vaultkit",
		Usage:   "Path-addressed note vault with cloze cards, tasks, links, tags and semantic search",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "vaultkit.yaml",
				Sources: cli.EnvVars("VAULTKIT_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "SQLite database path (overrides config)",
				Sources: cli.EnvVars("VAULTKIT_DB"),
			},
			&cli.StringFlag{
				Name:    "namespace",
				Aliases: []string{"n"},
				Usage:   "Namespace to operate in (overrides config)",
				Sources: cli.EnvVars("VAULTKIT_NAMESPACE"),
			},
		},
		Commands: []*cli.Command{
			initCmd(),
			namespacesCmd(),
			lsCmd(),
			catCmd(),
			createCmd(),
			saveCmd(),
			mvCmd(),
			renameCmd(),
			rmCmd(),
			tagCmd(),
			dueCmd(),
			gradeCmd(),
			statsCmd(),
			backlinksCmd(),
			mentionsCmd(),
			similarCmd(),
			reindexCmd(),
			exportCmd(),
			importCmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// app is the per-invocation wiring: config, open database, vault.
type app struct {
	cfg *Config
	v   *vault.Vault
	ns  string
}

func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg := NewDefaultConfig()
	if _, err := pkgconfig.LoadIfPresent(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if path := cmd.String("db"); path != "" {
		cfg.SQLite.Path = path
	}
	if ns := cmd.String("namespace"); ns != "" {
		cfg.Vault.Namespace = ns
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	slog.SetDefault(log)

	db, err := store.OpenWithVectorDim(cfg.SQLite.Path, cfg.Semantic.Dim)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	opts := vault.Options{
		DB:           db,
		Bus:          events.NewDispatcher(log),
		Log:          log,
		MaturityDays: cfg.Vault.MaturityDays,
	}
	if cfg.Semantic.Enabled {
		opts.Embedder = semindex.NewHashEmbedder(cfg.Semantic.Dim)
	}

	v, err := vault.New(ctx, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &app{cfg: cfg, v: v, ns: cfg.Vault.Namespace}, nil
}

func (a *app) close() {
	if err := a.v.Close(); err != nil {
		slog.Warn("close database", slog.String("error", err.Error()))
	}
}

func (a *app) space() *vault.Space {
	return a.v.Space(a.ns)
}

// node resolves a path argument within the active namespace.
func (a *app) node(ctx context.Context, path string) (*store.Node, error) {
	return a.space().GetByPath(ctx, path)
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create the database file and schema",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Printf("initialized %s (namespace %q)\n", a.cfg.SQLite.Path, a.ns)
			return nil
		},
	}
}

func namespacesCmd() *cli.Command {
	return &cli.Command{
		Name:  "namespaces",
		Usage: "List namespaces present in the database",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			names, err := a.v.Nodes.Namespaces(ctx)
			if err != nil {
				return err
			}
			for _, ns := range names {
				fmt.Println(ns)
			}
			return nil
		},
	}
}

func lsCmd() *cli.Command {
	return &cli.Command{
		Name:  "ls",
		Usage: "List the namespace's nodes",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tree", Usage: "Render the hierarchy as a tree"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Bool("tree") {
				root, err := a.space().Tree(ctx, nil)
				if err != nil {
					return err
				}
				if root != nil {
					printTree(root, 0)
				}
				return nil
			}

			all, err := a.space().List(ctx)
			if err != nil {
				return err
			}
			for _, n := range all {
				fmt.Printf("%-9s  %s\n", n.Kind, n.Path)
			}
			return nil
		},
	}
}

func catCmd() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "Print a node's content",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.node(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Print(n.Content)
			return nil
		},
	}
}

func createCmd() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a node at a path (parents must exist)",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dir", Usage: "Create a directory instead of a file"},
			&cli.StringFlag{Name: "content", Usage: "Initial content (files only)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			kind := store.KindFile
			if cmd.Bool("dir") {
				kind = store.KindDirectory
			}
			n, err := a.space().Create(ctx, args[0], kind, &nodes.CreateOptions{Content: cmd.String("content")})
			if err != nil {
				return err
			}
			fmt.Printf("created %s  %s\n", n.ID, n.Path)
			return nil
		},
	}
}

func saveCmd() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "Run the content pipeline for a node, reading text from stdin or --file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read content from a file instead of stdin"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}

			var data []byte
			if file := cmd.String("file"); file != "" {
				data, err = os.ReadFile(file)
			} else {
				data, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.node(ctx, args[0])
			if err != nil {
				return err
			}
			saved, err := a.space().SaveContent(ctx, n.ID, string(data))
			if err != nil {
				return err
			}
			fmt.Printf("saved %s (%d bytes)\n", saved.Path, len(saved.Content))
			return nil
		},
	}
}

func mvCmd() *cli.Command {
	return &cli.Command{
		Name:      "mv",
		Usage:     "Move a node (and its subtree) under a new parent directory",
		ArgsUsage: "<path> <new-parent-path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 2)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.node(ctx, args[0])
			if err != nil {
				return err
			}
			parent, err := a.node(ctx, args[1])
			if err != nil {
				return err
			}
			moved, err := a.v.Nodes.Move(ctx, n.ID, parent.ID)
			if err != nil {
				return err
			}
			fmt.Printf("moved to %s\n", moved.Path)
			return nil
		},
	}
}

func renameCmd() *cli.Command {
	return &cli.Command{
		Name:      "rename",
		Usage:     "Rename a node, cascading paths through its subtree",
		ArgsUsage: "<path> <new-name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 2)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.node(ctx, args[0])
			if err != nil {
				return err
			}
			renamed, err := a.v.Nodes.Rename(ctx, n.ID, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("renamed to %s\n", renamed.Path)
			return nil
		},
	}
}

func rmCmd() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Delete a node and everything beneath it",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.node(ctx, args[0])
			if err != nil {
				return err
			}
			removed, err := a.space().Delete(ctx, n.ID)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d node(s)\n", len(removed))
			return nil
		},
	}
}

func tagCmd() *cli.Command {
	return &cli.Command{
		Name:  "tag",
		Usage: "Manage tags and node-tag associations",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a tag",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := argN(cmd, 1)
					if err != nil {
						return err
					}
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.close()
					return a.v.Tags.Create(ctx, args[0])
				},
			},
			{
				Name:      "rename",
				Usage:     "Rename a tag everywhere it is used",
				ArgsUsage: "<old> <new>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := argN(cmd, 2)
					if err != nil {
						return err
					}
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.close()
					return a.v.Tags.Rename(ctx, args[0], args[1])
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a tag and its associations",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := argN(cmd, 1)
					if err != nil {
						return err
					}
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.close()
					return a.v.Tags.Delete(ctx, args[0])
				},
			},
			{
				Name:      "add",
				Usage:     "Tag a node",
				ArgsUsage: "<name> <path>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := argN(cmd, 2)
					if err != nil {
						return err
					}
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.close()

					n, err := a.node(ctx, args[1])
					if err != nil {
						return err
					}
					return a.v.Tags.Tag(ctx, n.ID, args[0])
				},
			},
			{
				Name:      "rm",
				Usage:     "Untag a node",
				ArgsUsage: "<name> <path>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := argN(cmd, 2)
					if err != nil {
						return err
					}
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.close()

					n, err := a.node(ctx, args[1])
					if err != nil {
						return err
					}
					return a.v.Tags.Untag(ctx, n.ID, args[0])
				},
			},
			{
				Name:      "ls",
				Usage:     "List all tags, or the tags on a node",
				ArgsUsage: "[path]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.close()

					if cmd.Args().Len() == 1 {
						n, err := a.node(ctx, cmd.Args().First())
						if err != nil {
							return err
						}
						names, err := a.v.Tags.TagsByNode(ctx, n.ID)
						if err != nil {
							return err
						}
						for _, name := range names {
							fmt.Println(name)
						}
						return nil
					}

					all, err := a.v.Tags.All(ctx)
					if err != nil {
						return err
					}
					for _, t := range all {
						fmt.Printf("%s\t%s\n", t.Name, day(t.CreatedAt))
					}
					return nil
				},
			},
			{
				Name:      "nodes",
				Usage:     "List nodes carrying a tag",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := argN(cmd, 1)
					if err != nil {
						return err
					}
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.close()

					tagged, err := a.v.Tags.NodesByTag(ctx, args[0])
					if err != nil {
						return err
					}
					for _, n := range tagged {
						fmt.Printf("%s\t%s\n", n.Namespace, n.Path)
					}
					return nil
				},
			},
		},
	}
}

func dueCmd() *cli.Command {
	return &cli.Command{
		Name:  "due",
		Usage: "List cards due for review in the namespace",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "new", Usage: "Cap on new cards (0 = uncapped)"},
			&cli.IntFlag{Name: "review", Usage: "Cap on learning/review/mature cards (0 = uncapped)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			due, err := a.space().DueCards(ctx, srs.Limits{
				New:    int(cmd.Int("new")),
				Review: int(cmd.Int("review")),
			})
			if err != nil {
				return err
			}
			for _, c := range due.New {
				printCard(c)
			}
			for _, c := range due.Review {
				printCard(c)
			}
			return nil
		},
	}
}

func gradeCmd() *cli.Command {
	return &cli.Command{
		Name:      "grade",
		Usage:     "Grade a card",
		ArgsUsage: "<card-id> <again|hard|good|easy>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 2)
			if err != nil {
				return err
			}
			rating, err := srs.ParseRating(args[1])
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.v.SRS.Grade(ctx, args[0], rating)
			if err != nil {
				return err
			}
			fmt.Printf("%s  tier=%s interval=%dd ease=%.2f due=%s\n",
				c.ID, c.Tier, c.IntervalDays, c.EaseFactor, day(c.DueAt))
			return nil
		},
	}
}

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show per-tier card counts for the namespace",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.space().Statistics(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("new      %d\n", st.New)
			fmt.Printf("learning %d\n", st.Learning)
			fmt.Printf("review   %d\n", st.Review)
			fmt.Printf("mature   %d\n", st.Mature)
			fmt.Printf("total    %d\n", st.Total)
			return nil
		},
	}
}

func backlinksCmd() *cli.Command {
	return &cli.Command{
		Name:      "backlinks",
		Usage:     "List nodes whose content links to a node",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.node(ctx, args[0])
			if err != nil {
				return err
			}
			sources, err := a.v.Links.Backlinks(ctx, n.ID)
			if err != nil {
				return err
			}
			for _, s := range sources {
				fmt.Println(s.Path)
			}
			return nil
		},
	}
}

func mentionsCmd() *cli.Command {
	return &cli.Command{
		Name:      "mentions",
		Usage:     "Find unlinked mentions of other nodes in a node's content",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.node(ctx, args[0])
			if err != nil {
				return err
			}
			found, err := a.space().ScanMentions(ctx, n.ID)
			if err != nil {
				return err
			}
			for _, m := range found {
				owner, err := a.v.Nodes.Get(ctx, m.NodeID)
				if err != nil {
					return err
				}
				fmt.Printf("%d:%d\t%q\t%s\n", m.Start, m.End, m.Text, owner.Path)
			}
			return nil
		},
	}
}

func similarCmd() *cli.Command {
	return &cli.Command{
		Name:      "similar",
		Usage:     "Find semantically similar nodes",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "text", Usage: "Search by free text instead of a node"},
			&cli.IntFlag{Name: "k", Usage: "Number of results", Value: 10},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if a.v.Sem == nil {
				return fmt.Errorf("semantic index is disabled in config")
			}

			k := int(cmd.Int("k"))
			var ids []string
			switch {
			case cmd.String("text") != "":
				ids, err = a.v.Sem.SimilarToText(ctx, cmd.String("text"), k)
			case cmd.Args().Len() == 1:
				n, nerr := a.node(ctx, cmd.Args().First())
				if nerr != nil {
					return nerr
				}
				ids, err = a.v.Sem.SimilarToNode(ctx, n.ID, k)
			default:
				return fmt.Errorf("pass a node path or --text")
			}
			if err != nil {
				return err
			}

			for _, id := range ids {
				n, err := a.v.Nodes.Get(ctx, id)
				if err != nil {
					return err
				}
				fmt.Println(n.Path)
			}
			return nil
		},
	}
}

func reindexCmd() *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "Rebuild the semantic index from stored embeddings",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if a.v.Sem == nil {
				return fmt.Errorf("semantic index is disabled in config")
			}
			if err := a.v.Sem.Rebuild(ctx); err != nil {
				return err
			}
			fmt.Printf("reindexed %d embeddings\n", a.v.Sem.Size())
			return nil
		},
	}
}

func exportCmd() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export the namespace as a file tree plus manifest",
		ArgsUsage: "<dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := os.MkdirAll(args[0], 0o755); err != nil {
				return err
			}
			fsys, err := dirFS(args[0])
			if err != nil {
				return err
			}
			if err := a.space().Export(ctx, fsys); err != nil {
				return err
			}
			fmt.Printf("exported namespace %q to %s\n", a.ns, args[0])
			return nil
		},
	}
}

func importCmd() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import a snapshot directory into an empty namespace",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "remap", Usage: "Mint fresh node and annotation ids"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := argN(cmd, 1)
			if err != nil {
				return err
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			fsys, err := dirFS(args[0])
			if err != nil {
				return err
			}
			count, err := a.space().Import(ctx, fsys, snapshot.ImportOptions{RemapIDs: cmd.Bool("remap")})
			if err != nil {
				return err
			}
			fmt.Printf("imported %d node(s) into namespace %q\n", count, a.ns)
			return nil
		},
	}
}

// argN returns exactly n positional arguments or an error.
func argN(cmd *cli.Command, n int) ([]string, error) {
	if cmd.Args().Len() != n {
		return nil, fmt.Errorf("expected %d argument(s), got %d", n, cmd.Args().Len())
	}
	return cmd.Args().Slice(), nil
}

// dirFS roots a hackpadfs view at an OS directory.
func dirFS(dir string) (hackpadfs.FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	root := osfs.NewFS()
	fsPath, err := root.FromOSPath(abs)
	if err != nil {
		return nil, err
	}
	return root.Sub(fsPath)
}

func printTree(t *nodes.TreeNode, depth int) {
	name := t.Name
	if t.Path == "/" {
		name = "/"
	}
	fmt.Printf("%s%s\n", strings.Repeat("  ", depth), name)
	for _, c := range t.Children {
		printTree(c, depth+1)
	}
}

func printCard(c *store.ClozeCard) {
	fmt.Printf("%s\t%-8s due=%s\t%s\n", c.ID, c.Tier, day(c.DueAt), snippet(c.Payload, 60))
}

func day(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02")
}

func snippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/manager"
	"github.com/hpungsan/scribe/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(env *appEnv) *cli.App {
	app := &cli.App{
		Name:    "scribe",
		Usage:   "Offline-first documents with background sync",
		Version: Version,
		Commands: []*cli.Command{
			saveCmd(env),
			getCmd(env),
			listCmd(env),
			searchCmd(env),
			deleteCmd(env),
			currentCmd(env),
			categoryCmd(env),
			exportCmd(env),
			importCmd(env),
			loginCmd(env),
			logoutCmd(env),
			refreshCmd(env),
			syncCmd(env),
			statusCmd(env),
			serveCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// saveCmd creates the save command.
func saveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "Create or update a document (content from --content or stdin)",
		ArgsUsage: "[id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Document name (required when creating)"},
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Category (default General)"},
			&cli.StringFlag{Name: "content", Usage: "Document body; read from stdin when omitted"},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			var doc document.Document
			if c.NArg() > 0 {
				existing, err := env.m.GetDocument(ctx, c.Args().First())
				if err != nil {
					return outputError(err)
				}
				doc = existing
			}

			if name := c.String("name"); name != "" {
				doc.Name = name
			}
			if c.IsSet("category") {
				doc.Category = c.String("category")
			}
			switch {
			case c.IsSet("content"):
				doc.Content = c.String("content")
			case stdinHasData(c):
				content, err := readInput(c)
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				doc.Content = content
			}

			saved, err := env.m.SaveDocument(ctx, doc)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, saved)
		},
	}
}

// getCmd creates the get command.
func getCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Print a document by id",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "raw", Usage: "Print only the content"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "id")
			if err != nil {
				return err
			}
			doc, err := env.m.GetDocument(c.Context, id)
			if err != nil {
				return outputError(err)
			}
			if c.Bool("raw") {
				_, err := fmt.Fprintln(c.App.Writer, doc.Content)
				return err
			}
			return outputJSON(c, doc)
		},
	}
}

// listCmd creates the list command.
func listCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List documents, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Only this category"},
		},
		Action: func(c *cli.Context) error {
			docs, err := env.m.ListDocuments(c.Context, c.String("category"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, summaries(docs))
		},
	}
}

// searchCmd creates the search command.
func searchCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Find documents by name, content or category",
		ArgsUsage: "<query>",
		Action: func(c *cli.Context) error {
			query := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(query) == "" {
				return outputError(errors.NewInvalidRequest("query is required"))
			}
			docs, err := env.m.SearchDocuments(c.Context, query)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, summaries(docs))
		},
	}
}

// deleteCmd creates the delete command.
func deleteCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a document",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "id")
			if err != nil {
				return err
			}
			if err := env.m.DeleteDocument(c.Context, id); err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{"deleted": true, "id": id})
		},
	}
}

// currentCmd creates the current command.
func currentCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "current",
		Usage:     "Show the current document, or set it when an id is given",
		ArgsUsage: "[id]",
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				if err := env.m.SetCurrentDocument(c.Context, c.Args().First()); err != nil {
					return outputError(err)
				}
			}
			doc, err := env.m.CurrentDocument(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, doc)
		},
	}
}

// categoryCmd creates the category command and its subcommands.
func categoryCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "category",
		Usage: "Manage categories",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List categories",
				Action: func(c *cli.Context) error {
					cats, err := env.m.Categories(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, cats)
				},
			},
			{
				Name:      "add",
				Usage:     "Add a category",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					name, err := requireArg(c, "name")
					if err != nil {
						return err
					}
					if err := env.m.AddCategory(c.Context, name); err != nil {
						return outputError(err)
					}
					return outputJSON(c, map[string]any{"added": document.NormalizeCategory(name)})
				},
			},
			{
				Name:      "rename",
				Usage:     "Rename a category and move its documents",
				ArgsUsage: "<from> <to>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return outputError(errors.NewInvalidRequest("usage: scribe category rename <from> <to>"))
					}
					from, to := c.Args().Get(0), c.Args().Get(1)
					if err := env.m.RenameCategory(c.Context, from, to); err != nil {
						return outputError(err)
					}
					return outputJSON(c, map[string]any{"from": from, "to": to})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a category",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "policy", Value: string(events.PolicyMigrate), Usage: "migrate|delete-documents"},
					&cli.StringFlag{Name: "target", Usage: "Destination for --policy migrate (default General)"},
				},
				Action: func(c *cli.Context) error {
					name, err := requireArg(c, "name")
					if err != nil {
						return err
					}
					policy := events.DeletePolicy(c.String("policy"))
					if err := env.m.DeleteCategory(c.Context, name, policy, c.String("target")); err != nil {
						return outputError(err)
					}
					return outputJSON(c, map[string]any{"deleted": name, "policy": policy})
				},
			},
		},
	}
}

// exportCmd creates the export command.
func exportCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export every document to a file (default ~/.scribe/exports)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "jsonl", Usage: "json|jsonl|markdown|html|yaml"},
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Destination file"},
			&cli.BoolFlag{Name: "stdout", Usage: "Print the export instead of writing a file"},
		},
		Action: func(c *cli.Context) error {
			format, err := manager.ParseFormat(c.String("format"))
			if err != nil {
				return outputError(err)
			}
			if c.Bool("stdout") {
				data, err := env.m.ExportDocuments(c.Context, format)
				if err != nil {
					return outputError(err)
				}
				_, err = c.App.Writer.Write(data)
				return err
			}
			out, err := env.m.ExportToFile(c.Context, format, c.String("path"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, out)
		},
	}
}

// importCmd creates the import command.
func importCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import documents from a JSONL export",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := requireArg(c, "path")
			if err != nil {
				return err
			}
			out, err := env.m.ImportFile(c.Context, path)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, out)
		},
	}
}

// loginCmd creates the login command.
func loginCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in with a bearer token (from --token or stdin) and sync",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "Bearer token"},
		},
		Action: func(c *cli.Context) error {
			token, err := tokenInput(c)
			if err != nil {
				return err
			}
			// Session first, file second: the credentials watcher then sees
			// the token it already holds.
			if err := env.m.HandleLogin(token); err != nil {
				return outputError(err)
			}
			if err := env.creds.Write(token); err != nil {
				return outputError(errors.NewInternal(err))
			}
			res, err := env.m.TriggerFullSync(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, res)
		},
	}
}

// logoutCmd creates the logout command.
func logoutCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Sign out; pending changes are sent first unless --force",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Discard pending changes and sign out now"},
		},
		Action: func(c *cli.Context) error {
			notices, cancel := env.m.SubscribeNotices()
			defer cancel()

			if err := env.m.HandleLogout(c.Bool("force")); err != nil {
				return outputError(err)
			}
			if err := waitLogoutReady(c.Context, notices); err != nil {
				return outputError(err)
			}
			// Removed only after the drain so the watcher does not force it.
			if err := env.creds.Remove(); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return outputJSON(c, map[string]any{"logged_out": true})
		},
	}
}

func waitLogoutReady(ctx context.Context, notices <-chan events.Notice) error {
	for {
		select {
		case <-ctx.Done():
			return errors.NewCancelled("logout")
		case n, ok := <-notices:
			if !ok {
				return errors.NewCancelled("logout")
			}
			if _, ready := n.(events.LogoutReady); ready {
				return nil
			}
		}
	}
}

// refreshCmd creates the refresh command.
func refreshCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Replace the bearer token without interrupting sync",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "New bearer token"},
		},
		Action: func(c *cli.Context) error {
			token, err := tokenInput(c)
			if err != nil {
				return err
			}
			if err := env.m.HandleTokenRefresh(token); err != nil {
				return outputError(err)
			}
			if err := env.creds.Write(token); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return outputJSON(c, map[string]any{"refreshed": true})
		},
	}
}

// syncCmd creates the sync command.
func syncCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a full sync now",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "Keep running and print sync notices until interrupted"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("watch") {
				res, err := env.m.TriggerFullSync(c.Context)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c, res)
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			notices, cancel := env.m.SubscribeNotices()
			defer cancel()

			if _, err := env.m.TriggerFullSync(ctx); err != nil {
				return outputError(err)
			}
			enc := json.NewEncoder(c.App.Writer)
			for {
				select {
				case <-ctx.Done():
					return nil
				case n, ok := <-notices:
					if !ok {
						return nil
					}
					if err := enc.Encode(noticeLine(n)); err != nil {
						return err
					}
				}
			}
		},
	}
}

// statusCmd creates the status command.
func statusCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show sync status",
		Action: func(c *cli.Context) error {
			st, err := env.m.SyncStatus(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, st)
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the web UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 8420, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv, err := web.NewServer(env.m, Version, c.String("bind"), c.Int("port"), env.log.Named("web"))
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			return web.Run(srv, env.log.Named("web"))
		},
	}
}

// Helper functions

type documentSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Temporary bool   `json:"temporary"`
	UpdatedAt int64  `json:"updated_at"`
}

func summaries(docs []document.Document) []documentSummary {
	out := make([]documentSummary, len(docs))
	for i, d := range docs {
		out[i] = documentSummary{
			ID:        d.ID,
			Name:      d.Name,
			Category:  d.Category,
			Temporary: d.IsTemporary(),
			UpdatedAt: d.UpdatedAt.Unix(),
		}
	}
	return out
}

// noticeLine is the JSON form of a notice for sync --watch.
func noticeLine(n events.Notice) map[string]any {
	line := map[string]any{"notice": n.Name()}
	switch n := n.(type) {
	case events.SyncProgress:
		line["queue"] = n.Status
	case events.LogoutPending:
		line["pending"] = n.Pending
	case events.SyncForceStopped:
		line["dropped"] = n.Dropped
		line["reason"] = n.Reason
	case events.ErrorNotice:
		line["message"] = n.Message
		if n.Operation != "" {
			line["operation"] = n.Operation
		}
	}
	return line
}

// outputJSON writes v to the app's writer as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var se *errors.ScribeError
	if stderrors.As(err, &se) {
		return cli.Exit(fmt.Sprintf("[%s] %s", se.Code, se.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() == 0 || strings.TrimSpace(c.Args().First()) == "" {
		return "", outputError(errors.NewInvalidRequest(name + " is required"))
	}
	return c.Args().First(), nil
}

// tokenInput reads --token, falling back to piped stdin.
func tokenInput(c *cli.Context) (string, error) {
	token := c.String("token")
	if token == "" && stdinHasData(c) {
		in, err := readInput(c)
		if err != nil {
			return "", outputError(errors.NewInternal(err))
		}
		token = in
	}
	if token == "" {
		return "", outputError(errors.NewInvalidRequest("token is required: pass --token or pipe it via stdin"))
	}
	return token, nil
}

// stdinHasData reports whether the app's reader has piped data. Readers
// other than os.Stdin (tests) always count.
func stdinHasData(c *cli.Context) bool {
	f, ok := c.App.Reader.(*os.File)
	if !ok {
		return c.App.Reader != nil
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readInput reads all content from the app's reader.
func readInput(c *cli.Context) (string, error) {
	data, err := io.ReadAll(c.App.Reader)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/syntrix-sync/pkg/client"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

const defaultTimeout = 30 * time.Second

// Read sources of the get command.
const (
	SourceServer = "server"
	SourceCache  = "cache"
)

func (o *RootOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session, p *printer) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, o.cfg, o.Offline, o.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			o.logger.Warn("Failed to close client", "error", err)
		}
	}()
	return fn(ctx, s, &printer{format: o.Format, w: cmd.OutOrStdout()})
}

type getOptions struct {
	*RootOptions
	Source  string
	Where   []string
	OrderBy []string
	Limit   int
	Timeout time.Duration
}

func newGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &getOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a document or query a collection",
		Long: `Read a document or query a collection.

A path with an even number of segments names a document, an odd one a
collection. Collections can be filtered, ordered and limited.

Example:
  syncctl get rooms/lobby
  syncctl get rooms --where 'size >= 10' --order-by size:desc --limit 5
  syncctl get rooms --source cache`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", SourceServer, "where to read from (server|cache)")
	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "filter as 'field op value', repeatable")
	cmd.Flags().StringArrayVar(&opts.OrderBy, "order-by", nil, "order as field[:asc|:desc], repeatable")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of documents")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaultTimeout, "how long to wait for the server")

	return cmd
}

func runGet(cmd *cobra.Command, opts *getOptions, path string) error {
	if opts.Source != SourceServer && opts.Source != SourceCache {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid source %q: must be server or cache", opts.Source))
	}
	q, isDocument, err := buildQuery(path, opts.Where, opts.OrderBy, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	return opts.withSession(cmd, func(ctx context.Context, s *session, p *printer) error {
		ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		if isDocument {
			var doc *model.MutableDocument
			if opts.Source == SourceCache {
				doc, err = s.client.GetDocumentFromCache(ctx, path)
			} else {
				doc, err = s.client.GetDocument(ctx, path)
			}
			if err != nil {
				return err
			}
			return p.document(doc)
		}

		var snap *client.ViewSnapshot
		if opts.Source == SourceCache {
			snap, err = s.client.GetDocumentsFromCache(ctx, q)
		} else {
			snap, err = s.client.GetDocuments(ctx, q)
		}
		if err != nil {
			return err
		}
		return p.snapshot(snap)
	})
}

// buildQuery turns a path and the query flags into a query. Filters and
// ordering are rejected for document paths.
func buildQuery(path string, where, orderBy []string, limit int) (model.Query, bool, error) {
	segments := model.ParsePath(path).Len()
	if segments == 0 {
		return model.Query{}, false, fmt.Errorf("empty path")
	}
	if segments%2 == 0 {
		if len(where) > 0 || len(orderBy) > 0 || limit != 0 {
			return model.Query{}, false, fmt.Errorf("--where, --order-by and --limit need a collection path")
		}
		key, err := client.ParseKey(path)
		if err != nil {
			return model.Query{}, false, err
		}
		return model.NewDocumentQuery(key), true, nil
	}

	q := model.NewCollectionQuery(path)
	for _, expr := range where {
		f, err := parseFilter(expr)
		if err != nil {
			return model.Query{}, false, err
		}
		q = q.WithFilter(f)
	}
	for _, expr := range orderBy {
		field, dir, err := parseOrderBy(expr)
		if err != nil {
			return model.Query{}, false, err
		}
		q = q.WithOrderBy(field, dir)
	}
	if limit < 0 {
		return model.Query{}, false, fmt.Errorf("limit must not be negative")
	}
	if limit > 0 {
		q = q.WithLimit(limit)
	}
	if _, err := q.Validate(); err != nil {
		return model.Query{}, false, err
	}
	return q, false, nil
}

// parseFilter parses "field op value". The value is JSON when it parses as
// JSON and a plain string otherwise.
func parseFilter(expr string) (model.Filter, error) {
	fields := strings.Fields(expr)
	if len(fields) < 3 {
		return model.Filter{}, fmt.Errorf("filter %q: want 'field op value'", expr)
	}
	f := model.Filter{Field: fields[0], Op: model.FilterOp(fields[1])}
	if !f.Op.IsValid() {
		return model.Filter{}, fmt.Errorf("filter %q: unknown operator %q", expr, fields[1])
	}
	raw := strings.Join(fields[2:], " ")
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	f.Value = value
	return f, nil
}

func parseOrderBy(expr string) (string, model.Direction, error) {
	field, dir, found := strings.Cut(expr, ":")
	if field == "" {
		return "", "", fmt.Errorf("order %q: empty field", expr)
	}
	if !found {
		return field, model.Ascending, nil
	}
	switch model.Direction(dir) {
	case model.Ascending, model.Descending:
		return field, model.Direction(dir), nil
	default:
		return "", "", fmt.Errorf("order %q: direction must be asc or desc", expr)
	}
}

type writeOptions struct {
	*RootOptions
	Wait    bool
	Timeout time.Duration
}

func addWriteFlags(cmd *cobra.Command, opts *writeOptions) {
	cmd.Flags().BoolVar(&opts.Wait, "wait", true, "wait for the server to acknowledge the write")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaultTimeout, "how long to wait for the acknowledgement")
}

func newSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &writeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "set <path> <json|@file>",
		Short: "Overwrite a document",
		Example: `  syncctl set rooms/lobby '{"name":"Lobby","size":12}'
  syncctl set rooms/lobby @lobby.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1])
			if err != nil {
				return err
			}
			return runWrite(cmd, opts, "set", args[0], func(ctx context.Context, c *client.Client) (*client.PendingWrite, error) {
				return c.Set(ctx, args[0], data)
			})
		},
	}
	addWriteFlags(cmd, opts)
	return cmd
}

func newPatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &writeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "patch <path> <json|@file>",
		Short: "Merge fields into an existing document",
		Example: `  syncctl patch rooms/lobby '{"size":13}'
  syncctl patch rooms/lobby '{"owner":{"name":"ada"}}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1])
			if err != nil {
				return err
			}
			return runWrite(cmd, opts, "patch", args[0], func(ctx context.Context, c *client.Client) (*client.PendingWrite, error) {
				return c.Update(ctx, args[0], data)
			})
		},
	}
	addWriteFlags(cmd, opts)
	return cmd
}

func newDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &writeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, opts, "delete", args[0], func(ctx context.Context, c *client.Client) (*client.PendingWrite, error) {
				return c.Delete(ctx, args[0])
			})
		},
	}
	addWriteFlags(cmd, opts)
	return cmd
}

func runWrite(cmd *cobra.Command, opts *writeOptions, op, path string, write func(context.Context, *client.Client) (*client.PendingWrite, error)) error {
	if _, err := client.ParseKey(path); err != nil {
		return WrapExitError(ExitCommandError, "invalid path", err)
	}
	return opts.withSession(cmd, func(ctx context.Context, s *session, p *printer) error {
		ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		pending, err := write(ctx, s.client)
		if err != nil {
			return err
		}
		out := writeOutput{Op: op, Path: path, BatchID: pending.BatchID}
		// An offline client keeps the batch for its next run.
		if opts.Wait && !opts.Offline {
			if err := pending.Wait(ctx); err != nil {
				return fmt.Errorf("%s %s: %w", op, path, err)
			}
			out.Acknowledged = true
		}
		return p.write(out)
	})
}

// parseData decodes a JSON object given inline or as @file.
func parseData(arg string) (map[string]interface{}, error) {
	raw := []byte(arg)
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		raw, err = os.ReadFile(name)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read data file", err)
		}
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, WrapExitError(ExitCommandError, "data must be a JSON object", err)
	}
	if data == nil {
		return nil, NewExitError(ExitCommandError, "data must be a JSON object")
	}
	return data, nil
}

type listenOptions struct {
	*RootOptions
	IncludeMetadata bool
}

func newListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &listenOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "listen <path>",
		Short: "Print snapshots of a document or collection until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.IncludeMetadata, "include-metadata", false, "also print pending write and sync state changes")
	return cmd
}

func runListen(cmd *cobra.Command, opts *listenOptions, path string) error {
	q, _, err := buildQuery(path, nil, nil, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid path", err)
	}
	return opts.withSession(cmd, func(ctx context.Context, s *session, p *printer) error {
		failed := make(chan error, 1)
		observer := client.ObserverFuncs{
			Snapshot: func(snap *client.ViewSnapshot) {
				if err := p.snapshot(snap); err != nil {
					select {
					case failed <- err:
					default:
					}
				}
			},
			Error: func(err error) {
				select {
				case failed <- err:
				default:
				}
			},
		}
		reg, err := s.client.Listen(ctx, q, client.ListenOptions{IncludeMetadataChanges: opts.IncludeMetadata}, observer)
		if err != nil {
			return err
		}
		select {
		case err := <-failed:
			return fmt.Errorf("listen %s: %w", path, err)
		case <-ctx.Done():
			return reg.Remove(context.WithoutCancel(ctx))
		}
	})
}

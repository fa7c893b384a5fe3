package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/syntrixbase/syntrix-sync/pkg/client"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Exit codes of syncctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the server or the engine failed the operation
	ExitCommandError = 2 // bad flags, arguments or configuration
)

// ExitError carries the exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code for err; errors without one fail with
// ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type documentOutput struct {
	Path          string                 `json:"path"`
	Exists        bool                   `json:"exists"`
	Version       int64                  `json:"version"`
	PendingWrites bool                   `json:"pending_writes"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

type changeOutput struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type snapshotOutput struct {
	Query         string           `json:"query"`
	FromCache     bool             `json:"from_cache"`
	PendingWrites bool             `json:"pending_writes"`
	Documents     []documentOutput `json:"documents"`
	Changes       []changeOutput   `json:"changes,omitempty"`
}

type writeOutput struct {
	Op           string `json:"op"`
	Path         string `json:"path"`
	BatchID      int    `json:"batch_id"`
	Acknowledged bool   `json:"acknowledged"`
}

func newDocumentOutput(doc *model.MutableDocument) documentOutput {
	out := documentOutput{
		Path:          doc.Key().String(),
		Exists:        doc.IsFoundDocument(),
		Version:       int64(doc.Version()),
		PendingWrites: doc.HasPendingWrites(),
	}
	if doc.IsFoundDocument() {
		out.Data = map[string]interface{}(doc.Data())
	}
	return out
}

// printer renders command results as text or one JSON object per line.
type printer struct {
	format string
	w      io.Writer
}

func (p *printer) json(v interface{}) error {
	return json.NewEncoder(p.w).Encode(v)
}

func (p *printer) document(doc *model.MutableDocument) error {
	out := newDocumentOutput(doc)
	if p.format == "json" {
		return p.json(out)
	}
	return p.documentLine("", out)
}

func (p *printer) documentLine(prefix string, out documentOutput) error {
	if !out.Exists {
		_, err := fmt.Fprintf(p.w, "%s%s (missing)\n", prefix, out.Path)
		return err
	}
	data, err := json.Marshal(out.Data)
	if err != nil {
		return err
	}
	var flags []string
	flags = append(flags, fmt.Sprintf("v%d", out.Version))
	if out.PendingWrites {
		flags = append(flags, "pending")
	}
	_, err = fmt.Fprintf(p.w, "%s%s [%s] %s\n", prefix, out.Path, strings.Join(flags, " "), data)
	return err
}

func (p *printer) snapshot(snap *client.ViewSnapshot) error {
	out := snapshotOutput{
		Query:         snap.Query.String(),
		FromCache:     snap.FromCache,
		PendingWrites: snap.HasPendingWrites(),
		Documents:     []documentOutput{},
	}
	for _, doc := range snap.Docs.Documents() {
		out.Documents = append(out.Documents, newDocumentOutput(doc))
	}
	for _, c := range snap.Changes {
		out.Changes = append(out.Changes, changeOutput{Type: c.Type.String(), Path: c.Doc.Key().String()})
	}
	if p.format == "json" {
		return p.json(out)
	}

	source := "server"
	if out.FromCache {
		source = "cache"
	}
	if _, err := fmt.Fprintf(p.w, "%s: %d documents from %s", out.Query, len(out.Documents), source); err != nil {
		return err
	}
	if out.PendingWrites {
		if _, err := fmt.Fprint(p.w, ", pending writes"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(p.w); err != nil {
		return err
	}
	for _, c := range out.Changes {
		if _, err := fmt.Fprintf(p.w, "  %-8s %s\n", c.Type, c.Path); err != nil {
			return err
		}
	}
	for _, d := range out.Documents {
		if err := p.documentLine("  ", d); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) write(out writeOutput) error {
	if p.format == "json" {
		return p.json(out)
	}
	state := "queued"
	if out.Acknowledged {
		state = "acknowledged"
	}
	_, err := fmt.Fprintf(p.w, "%s %s: batch %d %s\n", out.Op, out.Path, out.BatchID, state)
	return err
}

// Package render materializes notebook stroke data into viewable bytes.
// The conversion itself is an external collaborator: this package only
// defines the contract and an implementation that shells out to a
// configured converter binary. Without a converter, notebooks are visible
// in listings but their content is unavailable.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/google/uuid"

	"github.com/rmdav/rmdav/internal/store"
)

// ErrUnavailable is returned when no converter is configured.
var ErrUnavailable = errors.New("no notebook renderer configured")

// Renderer converts one document's stroke payload into presentation bytes
// (PDF). Implementations are opaque converters; failures are surfaced as
// errors, never partial output.
type Renderer interface {
	Render(ctx context.Context, dir *store.Dir, id uuid.UUID, desc *store.Content) ([]byte, error)
}

// Disabled returns a renderer that always reports ErrUnavailable.
func Disabled() Renderer { return disabled{} }

type disabled struct{}

func (disabled) Render(context.Context, *store.Dir, uuid.UUID, *store.Content) ([]byte, error) {
	return nil, ErrUnavailable
}

// Exec runs an external converter command. The command receives the store
// path and the document UUID as arguments and writes the rendered PDF to
// stdout; any nonzero exit is a render failure.
type Exec struct {
	Command string
	Args    []string
}

// NewExec creates a renderer around the given command line.
func NewExec(command string, args ...string) *Exec {
	return &Exec{Command: command, Args: args}
}

// Render implements Renderer.
func (e *Exec) Render(ctx context.Context, dir *store.Dir, id uuid.UUID, desc *store.Content) ([]byte, error) {
	args := append(append([]string{}, e.Args...), dir.Path(), id.String())
	cmd := exec.CommandContext(ctx, e.Command, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("render %s: %w (%s)", id, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("render %s: converter produced no output", id)
	}
	return out.Bytes(), nil
}

// Package builder implements the build phase executor. It renders a Go
// source artifact from a layer architecture into the workspace layers
// directory. No architecture in means no artifact out; that outcome is
// reported as an error value, never a panic.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"cepmachine/internal/architect"
	"cepmachine/internal/logging"
)

// ErrNoArchitecture is returned when the build phase has nothing to
// build from (the design phase failed upstream).
var ErrNoArchitecture = errors.New("no architecture to build from")

// Artifact describes a generated layer source file.
type Artifact struct {
	UnitID      int       `json:"unit_id"`
	Path        string    `json:"path"`
	Bytes       int       `json:"bytes"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Engine generates layer artifacts under <workspace>/layers.
type Engine struct {
	workspace string
	tmpl      *template.Template
}

// NewEngine creates a build engine rooted at the given workspace.
func NewEngine(workspace string) *Engine {
	return &Engine{
		workspace: workspace,
		tmpl:      template.Must(template.New("layer").Parse(layerTemplate)),
	}
}

// Generate renders the architecture into a source artifact and writes it
// to <workspace>/layers/<outputFile>.
func (e *Engine) Generate(ctx context.Context, arch *architect.Architecture, outputFile string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("build cancelled: %w", err)
	}
	if arch == nil {
		return nil, ErrNoArchitecture
	}
	if outputFile == "" {
		outputFile = fmt.Sprintf("layer_%d.go", arch.UnitID)
	}

	dir := filepath.Join(e.workspace, "layers")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create layers directory: %w", err)
	}

	path := filepath.Join(dir, outputFile)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact %s: %w", path, err)
	}
	defer f.Close()

	if err := e.tmpl.Execute(f, arch); err != nil {
		return nil, fmt.Errorf("failed to render artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	artifact := &Artifact{
		UnitID:      arch.UnitID,
		Path:        path,
		Bytes:       int(info.Size()),
		GeneratedAt: time.Now(),
	}

	logging.Get(logging.CategoryBuilder).Info("unit %d artifact generated: %s (%d bytes)",
		arch.UnitID, path, artifact.Bytes)
	return artifact, nil
}

// layerTemplate renders a skeleton layer implementation from the
// architecture's function plan.
const layerTemplate = `// Layer {{.UnitID}}: {{.UnitName}}
//
// {{.Description}}
//
// Container alignment: {{.ContainerAlignment}}
// Phi contribution: {{printf "%.2f" .PhiContribution}}
//
// Generated by the CEP orchestrator.
package layers

import "context"

// Input carries the data Layer {{.UnitID}} consumes.
type Input struct {
{{- range .Inputs}}
	{{.Name}} {{.Type}}
{{- end}}
}

// Output carries the data Layer {{.UnitID}} produces.
type Output struct {
{{- range .Outputs}}
	{{.Name}} {{.Type}}
{{- end}}
}
{{range .Functions}}
// {{.Name}}: {{.Purpose}}.
func {{.Name}}({{range $i, $p := .Params}}{{if $i}}, {{end}}{{$p}}{{end}}) {{.Returns}} {
	panic("layer {{$.UnitID}} not yet implemented")
}
{{end}}
var _ = context.Background
`

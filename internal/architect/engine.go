// Package architect implements the design phase executor. It turns a
// unit's requirement text plus research context into a layer
// architecture: typed inputs/outputs, a function plan, and the
// container-alignment metadata the metrics phase relies on.
package architect

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cepmachine/internal/logging"
)

// Field describes one typed input or output of a layer.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Function is one planned function of the generated layer.
type Function struct {
	Name    string   `json:"name"`
	Purpose string   `json:"purpose"`
	Params  []string `json:"params,omitempty"`
	Returns string   `json:"returns"`
}

// Architecture is the design specification for one build unit.
type Architecture struct {
	UnitID             int        `json:"unit_id"`
	UnitName           string     `json:"unit_name"`
	Description        string     `json:"description"`
	Inputs             []Field    `json:"inputs"`
	Outputs            []Field    `json:"outputs"`
	Functions          []Function `json:"functions"`
	Dependencies       []int      `json:"dependencies,omitempty"`
	ContainerAlignment string     `json:"container_alignment"`
	PhiContribution    float64    `json:"phi_contribution"`
	ResearchDigest     string     `json:"research_digest,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Engine is the deterministic layer designer. Content generation for
// richer specs is an external collaborator concern; this engine derives
// a complete, valid architecture from the requirement text alone.
type Engine struct{}

// NewEngine creates a design engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Design produces the architecture for a unit. The context is accepted
// for symmetry with the other executors; design is purely local.
func (e *Engine) Design(ctx context.Context, unitID int, unitName, requirements, researchContext string) (*Architecture, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("design cancelled: %w", err)
	}
	if unitName == "" {
		return nil, fmt.Errorf("unit name required for design")
	}

	slug := slugify(unitName)
	arch := &Architecture{
		UnitID:      unitID,
		UnitName:    unitName,
		Description: requirements,
		Inputs: []Field{
			{Name: "unit_id", Type: "int"},
			{Name: "payload", Type: "map[string]any"},
		},
		Outputs: []Field{
			{Name: "status", Type: "string"},
			{Name: "records_processed", Type: "int"},
		},
		Functions: []Function{
			{
				Name:    "Run" + exportName(slug),
				Purpose: fmt.Sprintf("Main entry point for %s", unitName),
				Params:  []string{"ctx context.Context", "input Input"},
				Returns: "(Output, error)",
			},
			{
				Name:    "validate" + exportName(slug) + "Input",
				Purpose: "Validate the incoming payload before execution",
				Params:  []string{"input Input"},
				Returns: "error",
			},
			{
				Name:    "persist" + exportName(slug) + "Result",
				Purpose: "Record the layer outcome for downstream reporting",
				Params:  []string{"ctx context.Context", "out Output"},
				Returns: "error",
			},
		},
		ContainerAlignment: alignmentForOrdinal(unitID),
		PhiContribution:    phiForOrdinal(unitID),
		ResearchDigest:     digest(researchContext),
		CreatedAt:          time.Now(),
	}

	if unitID > 1 {
		arch.Dependencies = []int{unitID - 1}
	}

	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("designed architecture invalid: %w", err)
	}

	logging.Get(logging.CategoryArchitect).Info("unit %d designed: %d functions, aligns with %s",
		unitID, len(arch.Functions), arch.ContainerAlignment)
	return arch, nil
}

// Validate checks the architecture is complete enough to build from.
func (a *Architecture) Validate() error {
	if a.UnitName == "" {
		return fmt.Errorf("architecture missing unit name")
	}
	if len(a.Functions) == 0 {
		return fmt.Errorf("architecture for %q declares no functions", a.UnitName)
	}
	switch a.ContainerAlignment {
	case "sales", "operations", "finance":
	default:
		return fmt.Errorf("architecture for %q has unknown container alignment %q",
			a.UnitName, a.ContainerAlignment)
	}
	return nil
}

// alignmentForOrdinal maps a unit ordinal onto its owning container:
// layers 1-3 are sales, 4-6 operations, 7-9 finance.
func alignmentForOrdinal(ordinal int) string {
	switch {
	case ordinal <= 3:
		return "sales"
	case ordinal <= 6:
		return "operations"
	default:
		return "finance"
	}
}

// phiForOrdinal estimates the unit's marginal coherence impact; earlier
// layers carry more.
func phiForOrdinal(ordinal int) float64 {
	const base = 0.06
	switch {
	case ordinal <= 3:
		return base * 1.2
	case ordinal <= 6:
		return base
	default:
		return base * 0.8
	}
}

func slugify(name string) string {
	out := strings.ToLower(name)
	out = strings.ReplaceAll(out, " ", "_")
	out = strings.ReplaceAll(out, "-", "_")
	return out
}

// exportName turns a snake_case slug into an exported Go identifier.
func exportName(slug string) string {
	parts := strings.Split(slug, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func digest(researchContext string) string {
	const max = 240
	trimmed := strings.TrimSpace(researchContext)
	if len(trimmed) <= max {
		return trimmed
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := max
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut] + "..."
}

// Package roadmap supplies dependency-aware, ranked modules to the coordinator
// and records module status changes.
package roadmap

import (
	"context"
	"errors"
	"fmt"
)

// ModuleStatus is the roadmap-side status of a module.
type ModuleStatus string

const (
	StatusPending    ModuleStatus = "pending"
	StatusInProgress ModuleStatus = "in-progress"
	StatusComplete   ModuleStatus = "complete"
)

// Valid reports whether s is a known status.
func (s ModuleStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete:
		return true
	}
	return false
}

// ErrModuleNotFound is returned when a module ID is not on the roadmap.
var ErrModuleNotFound = errors.New("module not found")

// Module is one unit of the roadmap.
type Module struct {
	ID          string       `json:"id" yaml:"id"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Status      ModuleStatus `json:"status" yaml:"status"`
	// Layer is the dependency depth. Modules without dependencies are layer 0.
	Layer     int      `json:"layer" yaml:"-"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Files are the paths the module is expected to touch.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
	// Leverage pins the module's score. Nil means computed from the graph.
	Leverage *float64 `json:"leverage,omitempty" yaml:"leverage,omitempty"`
}

// LeverageScore pairs a module with its desirability score.
type LeverageScore struct {
	ModuleID string  `json:"module_id" yaml:"module_id"`
	Score    float64 `json:"score" yaml:"score"`
}

// Roadmap is the work-prioritisation source the coordinator consumes.
type Roadmap interface {
	// GetRoadmap returns every module with its computed layer.
	GetRoadmap(ctx context.Context) ([]Module, error)
	// GetNextAvailableModules returns pending modules whose dependencies are complete.
	GetNextAvailableModules(ctx context.Context) ([]Module, error)
	// CalculateLeverageScores returns one score per module.
	CalculateLeverageScores(ctx context.Context) ([]LeverageScore, error)
	// UpdateModuleStatus records a status change.
	UpdateModuleStatus(ctx context.Context, moduleID string, status ModuleStatus) error
}

func cloneModule(m Module) Module {
	c := m
	c.DependsOn = append([]string(nil), m.DependsOn...)
	c.Files = append([]string(nil), m.Files...)
	if m.Leverage != nil {
		v := *m.Leverage
		c.Leverage = &v
	}
	return c
}

func validateModules(modules []Module) error {
	seen := make(map[string]bool, len(modules))
	for _, m := range modules {
		if m.ID == "" {
			return errors.New("module with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate module %q", m.ID)
		}
		seen[m.ID] = true
		if !m.Status.Valid() {
			return fmt.Errorf("module %q: invalid status %q", m.ID, m.Status)
		}
		if m.Leverage != nil && (*m.Leverage < 0 || *m.Leverage > 1) {
			return fmt.Errorf("module %q: leverage %v outside [0,1]", m.ID, *m.Leverage)
		}
	}
	return nil
}

// ABOUTME: Tool descriptor: identity, category, safety flags, cost estimates, shapes.
// ABOUTME: Dangerous categories are a closed set used by the speculation gate.

package catalog

import (
	"fmt"
	"time"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// Categories whose tools must never run speculatively, regardless of
// confidence or declared side effects.
const (
	CategoryDelete            = "delete"
	CategoryDeploy            = "deploy"
	CategoryPayment           = "payment"
	CategoryCommunicationSend = "communication-send"
)

// Descriptor describes one invokable tool.
type Descriptor struct {
	Name        string `toml:"name" json:"name"`
	Version     string `toml:"version" json:"version,omitempty"`
	Category    string `toml:"category" json:"category,omitempty"`
	Description string `toml:"description" json:"description,omitempty"`

	// SideEffect marks tools that touch external state. Only tools with
	// side_effect = false are speculation-eligible and safe to fail.
	SideEffect bool `toml:"side_effect" json:"side_effect"`

	// Cost is the estimated cost of one invocation, in abstract units.
	Cost float64 `toml:"cost" json:"cost,omitempty"`

	// DurationRaw is the manifest's duration string ("800ms", "2s").
	DurationRaw string        `toml:"duration" json:"-"`
	Duration    time.Duration `toml:"-" json:"duration,omitempty"`

	Inputs  []task.FieldShape `toml:"inputs" json:"inputs,omitempty"`
	Outputs []task.FieldShape `toml:"outputs" json:"outputs,omitempty"`

	// Pack is the owning pack ID, filled in at manifest load.
	Pack string `toml:"-" json:"pack,omitempty"`
}

// Dangerous reports whether the tool's category forbids speculation.
func (d *Descriptor) Dangerous() bool {
	switch d.Category {
	case CategoryDelete, CategoryDeploy, CategoryPayment, CategoryCommunicationSend:
		return true
	}
	return false
}

// Validate checks the descriptor and parses its duration estimate.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool descriptor has no name")
	}
	if d.Cost < 0 {
		return fmt.Errorf("tool %s: negative cost", d.Name)
	}
	if d.DurationRaw != "" {
		dur, err := time.ParseDuration(d.DurationRaw)
		if err != nil {
			return fmt.Errorf("tool %s: invalid duration %q: %w", d.Name, d.DurationRaw, err)
		}
		d.Duration = dur
	}
	return nil
}

// internal/modelclient/selector.go
package modelclient

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/config"
)

// StaticSelector picks voter models from the configured rotation. It returns
// nil (not an error) when no voters are configured, which the verification
// service treats as "no models available".
type StaticSelector struct {
	handles []schemas.ModelHandle
	next    atomic.Uint64
}

var _ schemas.ModelSelector = (*StaticSelector)(nil)

// NewStaticSelector builds a selector over the models configuration. Voters
// referencing unknown catalog entries are rejected earlier by config
// validation, so the lookup here cannot miss.
func NewStaticSelector(cfg config.ModelsConfig) *StaticSelector {
	handles := make([]schemas.ModelHandle, 0, len(cfg.Voters))
	for _, name := range cfg.Voters {
		entry := cfg.Catalog[name]
		handles = append(handles, schemas.ModelHandle{
			Provider: string(entry.Provider),
			Model:    entry.Model,
		})
	}
	return &StaticSelector{handles: handles}
}

// Select returns the next voter in round-robin order, or nil when none are
// configured.
func (s *StaticSelector) Select(_ context.Context, _ schemas.SelectionCriteria) (*schemas.ModelHandle, error) {
	if len(s.handles) == 0 {
		return nil, nil
	}
	idx := (s.next.Add(1) - 1) % uint64(len(s.handles))
	handle := s.handles[idx]
	return &handle, nil
}

// UnavailableCaller fails every judgment. It backs configurations with no
// voter models, where the selector already short-circuits verification; the
// caller exists so wiring never hands out a nil interface.
type UnavailableCaller struct{}

var _ schemas.ModelCaller = UnavailableCaller{}

func (UnavailableCaller) Judge(context.Context, schemas.ModelHandle, schemas.SchemaOperation) (*schemas.ModelJudgment, error) {
	return nil, fmt.Errorf("no model backend configured")
}

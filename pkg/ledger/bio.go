package ledger

import (
	"context"
	"fmt"
)

// BioGenerator produces a fresh agent bio after a title change. The real
// generator lives outside this service; leveling never waits on it.
type BioGenerator interface {
	Generate(ctx context.Context, agent, faction, title string, level int) (string, error)
}

// TemplateBioGenerator is the offline fallback used when no external
// generator is configured.
type TemplateBioGenerator struct{}

func (TemplateBioGenerator) Generate(_ context.Context, _, faction, title string, _ int) (string, error) {
	return fmt.Sprintf("A %s agent ascending through the ranks. Currently: %s.", faction, title), nil
}

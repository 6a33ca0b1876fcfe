package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// OutlineGenerator is the built-in content backend: it turns source material
// into a deterministic markdown outline. Deployments with a hosted model swap
// in their own ContentGenerator; the pipeline is indifferent.
type OutlineGenerator struct{}

// NewOutlineGenerator builds the generator.
func NewOutlineGenerator() *OutlineGenerator {
	return &OutlineGenerator{}
}

// Generate renders the prompt as a heading and each source field as a section.
func (g *OutlineGenerator) Generate(_ context.Context, prompt string, source map[string]any) (map[string]any, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	keys := make([]string, 0, len(source))
	for k := range source {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", prompt)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n## %s\n\n%v\n", k, source[k])
	}

	return map[string]any{
		"markdown": b.String(),
		"sections": len(keys),
	}, nil
}

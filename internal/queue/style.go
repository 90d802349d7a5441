package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// ResolvedStyle is the outcome of resolving a style name: the template
// and overrides to apply, plus the ids whose usage counters the caller
// must bump afterwards.
type ResolvedStyle struct {
	Style        *models.Style
	CollectionID *uuid.UUID
}

// StyleResolver resolves a style name to a concrete style. Collections
// resolve to one member chosen uniformly at random; the selection itself
// is pure, the usage-counter bump is the separate RecordUse effect.
type StyleResolver interface {
	Resolve(ctx context.Context, name string) (*ResolvedStyle, error)
	RecordUse(ctx context.Context, resolved *ResolvedStyle) error
}

// StoreStyleResolver resolves styles from the store.
type StoreStyleResolver struct {
	store store.Store
	// pick chooses an index in [0,n); replaced in tests.
	pick func(n int) int
}

// NewStyleResolver creates a StoreStyleResolver with uniform selection.
func NewStyleResolver(s store.Store) *StoreStyleResolver {
	return &StoreStyleResolver{store: s, pick: rand.Intn}
}

func (r *StoreStyleResolver) Resolve(ctx context.Context, name string) (*ResolvedStyle, error) {
	style, col, err := r.store.GetStyleByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve style %q: %w", name, err)
	}
	if style != nil {
		return &ResolvedStyle{Style: style}, nil
	}
	if len(col.StyleIDs) == 0 {
		return nil, fmt.Errorf("resolve style %q: %w", name, store.ErrNotFound)
	}
	chosen, err := r.store.GetStyle(ctx, col.StyleIDs[r.pick(len(col.StyleIDs))])
	if err != nil {
		return nil, fmt.Errorf("resolve style %q member: %w", name, err)
	}
	colID := col.ID
	return &ResolvedStyle{Style: chosen, CollectionID: &colID}, nil
}

func (r *StoreStyleResolver) RecordUse(ctx context.Context, resolved *ResolvedStyle) error {
	return r.store.RecordStyleUse(ctx, resolved.Style.ID, resolved.CollectionID)
}

// ApplyStyle rewrites the spec with the style's template and overrides.
// The user prompt lands in the {p} slot; any other placeholder the style
// author wrote is replaced with the empty string rather than failing.
// The requested unit count survives the params override.
func ApplyStyle(spec *JobSpec, style *models.Style) {
	spec.Prompt = interpolate(style.Prompt, map[string]string{"p": spec.Prompt})
	spec.Models = append([]string(nil), style.Models...)
	spec.NSFW = style.NSFW
	if len(style.Params) > 0 {
		spec.Params = append(json.RawMessage(nil), style.Params...)
	}
	spec.StyleSharedKeyID = style.SharedKeyID
}

// interpolate substitutes {name} placeholders from vars, blanking any
// placeholder without a value. Unmatched braces pass through verbatim.
func interpolate(template string, vars map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		end := strings.IndexByte(template[open:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		end += open
		b.WriteString(template[i:open])
		b.WriteString(vars[template[open+1:end]])
		i = end + 1
	}
	return b.String()
}

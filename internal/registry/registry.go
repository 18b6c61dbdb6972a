package registry

import (
	"errors"
	"fmt"
)

var ErrModelNotFound = errors.New("model not found")

type Class string

const (
	ClassChat       Class = "chat"
	ClassCompletion Class = "completion"
	ClassEmbedding  Class = "embedding"
)

// Descriptor describes one supported model. Descriptors are loaded once at
// process start and never mutated.
type Descriptor struct {
	ID              string
	DisplayName     string
	MaxContextChars int
	TokenLimit      int
	Class           Class
}

var descriptors = []Descriptor{
	{ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", MaxContextChars: 12000, TokenLimit: 4000, Class: ClassChat},
	{ID: "gpt-3.5-turbo-16k", DisplayName: "GPT-3.5 Turbo 16K", MaxContextChars: 48000, TokenLimit: 16000, Class: ClassChat},
	{ID: "gpt-4", DisplayName: "GPT-4", MaxContextChars: 24000, TokenLimit: 8000, Class: ClassChat},
	{ID: "gpt-4-32k", DisplayName: "GPT-4 32K", MaxContextChars: 96000, TokenLimit: 32000, Class: ClassChat},
	{ID: "gpt-4o", DisplayName: "GPT-4o", MaxContextChars: 384000, TokenLimit: 128000, Class: ClassChat},
	{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", MaxContextChars: 384000, TokenLimit: 128000, Class: ClassChat},
	{ID: "text-davinci-003", DisplayName: "Davinci 003", MaxContextChars: 12000, TokenLimit: 4000, Class: ClassCompletion},
	{ID: "text-embedding-ada-002", DisplayName: "Ada Embedding v2", MaxContextChars: 24000, TokenLimit: 8191, Class: ClassEmbedding},
}

// Registry is a static model lookup table. The zero value is not usable;
// construct with New.
type Registry struct {
	byID map[string]Descriptor
}

func New() (*Registry, error) {
	byID := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", d.ID)
		}
		if d.TokenLimit <= 0 {
			return nil, fmt.Errorf("model %q: token limit must be positive", d.ID)
		}
		if d.MaxContextChars < d.TokenLimit {
			return nil, fmt.Errorf("model %q: context chars %d below token limit %d", d.ID, d.MaxContextChars, d.TokenLimit)
		}
		byID[d.ID] = d
	}
	return &Registry{byID: byID}, nil
}

// Describe returns the descriptor for modelID, or ErrModelNotFound. The
// registry never substitutes a default; fallback policy belongs to the
// caller.
func (r *Registry) Describe(modelID string) (Descriptor, error) {
	d, ok := r.byID[modelID]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrModelNotFound, modelID)
	}
	return d, nil
}

// All returns every known descriptor, in table order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

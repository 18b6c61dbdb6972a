// Package tokenizer maps raw model identifier strings to token-counting
// rulesets. Resolution is total: any input yields a usable ruleset, falling
// back to the cl100k base bundle for unknown families. Counts for truly
// unknown families may therefore be approximate; that is the intended
// tradeoff, since token counting must never fail on a novel identifier.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Ruleset family names. Several model identifiers share one family.
const (
	FamilyP50K       = "p50k_base"
	FamilyCL100K     = "cl100k_base"
	FamilyCL100KChat = "cl100k_chat"
	FamilyO200K      = "o200k_base"
)

// Chat-tuned cl100k models use conversation delimiter specials on top of
// the base vocabulary.
var chatSpecials = map[string]int{
	"<|im_start|>": 100264,
	"<|im_end|>":   100265,
	"<|im_sep|>":   100266,
}

// cl100k definition, mirrored from tiktoken. Bundles with extra specials
// cannot use the stock encoding: the encoder only recognizes specials
// registered at construction, so the chat bundle is built from these
// pieces with its delimiters merged in.
const (
	cl100kRanksFile = "https://openaipublic.blob.core.windows.net/encodings/cl100k_base.tiktoken"
	cl100kPatStr    = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
)

var cl100kSpecials = map[string]int{
	"<|endoftext|>":   100257,
	"<|fim_prefix|>":  100258,
	"<|fim_middle|>":  100259,
	"<|fim_suffix|>":  100260,
	"<|endofprompt|>": 100276,
}

// encoderSpecials merges the cl100k special tokens with a bundle's extras;
// the result is what the encoder is constructed with, so every entry
// encodes as a single token.
func encoderSpecials(extra map[string]int) map[string]int {
	specials := make(map[string]int, len(cl100kSpecials)+len(extra))
	for tok, id := range cl100kSpecials {
		specials[tok] = id
	}
	for tok, id := range extra {
		specials[tok] = id
	}
	return specials
}

// Ruleset is an immutable token-counting bundle. The underlying BPE
// encoding is built lazily on first Count and shared read-only afterwards.
type Ruleset struct {
	family   string
	encoding string // tiktoken encoding name backing this family
	specials map[string]int

	once    sync.Once
	enc     *tiktoken.Tiktoken
	loadErr error
}

func (rs *Ruleset) Family() string { return rs.family }

// SpecialTokens returns the extra special-token map for this family, nil
// when the family has none beyond the base vocabulary.
func (rs *Ruleset) SpecialTokens() map[string]int { return rs.specials }

// Count returns the number of tokens in text under this ruleset. The BPE
// table is constructed on first use; construction errors are sticky and
// returned on every call.
func (rs *Ruleset) Count(text string) (int, error) {
	rs.once.Do(func() {
		rs.enc, rs.loadErr = rs.build()
	})
	if rs.loadErr != nil {
		return 0, rs.loadErr
	}

	allowed := make([]string, 0, len(rs.specials))
	for tok := range rs.specials {
		allowed = append(allowed, tok)
	}
	return len(rs.enc.Encode(text, allowed, nil)), nil
}

func (rs *Ruleset) build() (*tiktoken.Tiktoken, error) {
	if len(rs.specials) == 0 {
		return tiktoken.GetEncoding(rs.encoding)
	}

	ranks, err := tiktoken.NewDefaultBpeLoader().LoadTiktokenBpe(cl100kRanksFile)
	if err != nil {
		return nil, err
	}
	specials := encoderSpecials(rs.specials)
	bpe, err := tiktoken.NewCoreBPE(ranks, specials, cl100kPatStr)
	if err != nil {
		return nil, err
	}

	set := make(map[string]any, len(specials))
	for tok := range specials {
		set[tok] = true
	}
	enc := &tiktoken.Encoding{
		Name:           rs.family,
		PatStr:         cl100kPatStr,
		MergeableRanks: ranks,
		SpecialTokens:  specials,
	}
	return tiktoken.NewTiktoken(bpe, enc, set), nil
}

// rule pairs a model-identifier substring with the ruleset family it
// selects. Rules are evaluated in declaration order, most specific first,
// so precedence lives in one place.
type rule struct {
	substr string
	family string
}

var rules = []rule{
	{substr: "text-davinci-", family: FamilyP50K},
	{substr: "gpt-4o", family: FamilyO200K},
	{substr: "gpt-3.5", family: FamilyCL100KChat},
	{substr: "gpt-4", family: FamilyCL100KChat},
}

var bundles = map[string]struct {
	encoding string
	specials map[string]int
}{
	FamilyP50K:       {encoding: "p50k_base"},
	FamilyCL100K:     {encoding: "cl100k_base"},
	FamilyCL100KChat: {encoding: "cl100k_base", specials: chatSpecials},
	FamilyO200K:      {encoding: "o200k_base"},
}

// Resolver resolves model identifiers to rulesets and owns the per-family
// ruleset cache for the process lifetime.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]*Ruleset
}

func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]*Ruleset)}
}

// Normalize rewrites known vendor alias spellings to canonical form. Azure
// deployments report the 3.5 chat family with a compressed version token
// ("gpt-35-turbo"), which must match the dotted spelling.
func Normalize(modelID string) string {
	return strings.ReplaceAll(modelID, "gpt-35", "gpt-3.5")
}

// Resolve returns the ruleset for modelID. It never fails: identifiers
// matching no rule resolve to the cl100k base bundle. Resolution depends
// only on the input string, so identical inputs always yield the same
// family.
func (r *Resolver) Resolve(modelID string) *Ruleset {
	id := Normalize(modelID)

	family := FamilyCL100K
	for _, rl := range rules {
		if strings.Contains(id, rl.substr) {
			family = rl.family
			break
		}
	}
	return r.get(family)
}

func (r *Resolver) get(family string) *Ruleset {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rs, ok := r.cache[family]; ok {
		return rs
	}
	b := bundles[family]
	rs := &Ruleset{family: family, encoding: b.encoding, specials: b.specials}
	r.cache[family] = rs
	return rs
}

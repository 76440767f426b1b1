package anthropic

// Prompt cache lifetimes accepted by the API. CacheOff sends the system
// prompt without a cache breakpoint.
const (
	CacheShort = "5m"
	CacheLong  = "1h"
	CacheOff   = "off"
)

// SystemPrompt wraps a system prompt in a single block. Unless ttl is
// CacheOff the block carries a cache breakpoint, so a worker extracting a run
// of contracts pays for the prompt once per ttl instead of once per document.
func SystemPrompt(text, ttl string) []SystemBlock {
	block := SystemBlock{Text: text}
	switch ttl {
	case CacheOff:
	case "", CacheShort:
		block.CacheControl = &CacheControl{}
	default:
		block.CacheControl = &CacheControl{TTL: ttl}
	}
	return []SystemBlock{block}
}

package anthropic

// CachedSystemBlocks returns a single system block with a prompt-cache
// breakpoint. ttl defaults to 5m.
func CachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: ttl},
	}}
}

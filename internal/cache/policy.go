package cache

// Policy decides whether a particular request/response pair is eligible for
// caching at all, beyond the per-model ExclusionList: a request can opt out
// explicitly (NoCache), carry a temperature high enough that a cached
// replay would misrepresent the provider's actual (non-deterministic)
// behavior, or produce a response whose finish reason means the cached
// bytes are incomplete (e.g. truncated on the provider's max-token limit).
//
// A nil *Policy is safe to call — every check passes, matching the default
// of "cache everything not explicitly excluded".
type Policy struct {
	Models *ExclusionList

	// TemperatureCutoff excludes requests whose temperature is strictly
	// above this value from caching. Zero disables the cutoff.
	TemperatureCutoff float64

	// ExcludeFinishReasons lists provider finish reasons whose responses
	// must never be cached (e.g. "length" for a truncated completion).
	ExcludeFinishReasons map[string]struct{}
}

// NewPolicy builds a Policy from an exclusion list, a temperature cutoff
// (0 disables it), and a list of finish reasons to never cache.
func NewPolicy(models *ExclusionList, temperatureCutoff float64, excludeFinishReasons []string) *Policy {
	p := &Policy{
		Models:            models,
		TemperatureCutoff: temperatureCutoff,
	}
	if len(excludeFinishReasons) > 0 {
		p.ExcludeFinishReasons = make(map[string]struct{}, len(excludeFinishReasons))
		for _, fr := range excludeFinishReasons {
			if fr != "" {
				p.ExcludeFinishReasons[fr] = struct{}{}
			}
		}
	}
	return p
}

// AllowRequest reports whether a request is eligible for a cache lookup and
// a cache write, evaluated before the provider call so a request that can
// never be cached skips the lookup entirely rather than paying for a Get
// that can never hit.
func (p *Policy) AllowRequest(model string, temperature float64, noCache bool) bool {
	if p == nil {
		return true
	}
	if noCache {
		return false
	}
	if p.TemperatureCutoff > 0 && temperature > p.TemperatureCutoff {
		return false
	}
	if p.Models.Matches(model) {
		return false
	}
	return true
}

// AllowResponse reports whether a response already known to be request-
// eligible may still be written to the cache, based on how it finished.
func (p *Policy) AllowResponse(finishReason string) bool {
	if p == nil || len(p.ExcludeFinishReasons) == 0 {
		return true
	}
	_, excluded := p.ExcludeFinishReasons[finishReason]
	return !excluded
}

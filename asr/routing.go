package asr

import (
	"sort"
	"strings"
)

// Provider identifies a remote streaming ASR backend.
type Provider string

const (
	ProviderDeepgram   Provider = "deepgram"
	ProviderSoniox     Provider = "soniox"
	ProviderAssemblyAI Provider = "assemblyai"
	ProviderGladia     Provider = "gladia"
	ProviderElevenLabs Provider = "elevenlabs"
	ProviderFireworks  Provider = "fireworks"
	ProviderOpenAI     Provider = "openai"
)

// languageQuality ranks how well a provider is known to transcribe a given
// language; higher wins. qualityNotSupported means the provider cannot be
// routed to at all for that language.
type languageQuality int

const (
	qualityNotSupported languageQuality = iota
	qualityNoData                       // supported, but no curated quality data
	qualityGood
	qualityPremium
	qualityBest
)

// curatedLanguageQuality holds the two providers this routing layer has
// real quality data for. Every other provider falls back to a blanket
// qualityNoData for any language, mirroring the one fully-visible adapter
// in the reference pack (OpenAI's language_support_live unconditionally
// returns Supported{quality: NoData}).
var curatedLanguageQuality = map[Provider]map[string]languageQuality{
	ProviderDeepgram: {"en": qualityBest},
	// Soniox carries premium-quality data for every language Deepgram and
	// the blanket providers are evaluated against.
}

func languageSupport(provider Provider, language string) languageQuality {
	if provider == ProviderSoniox {
		return qualityPremium
	}
	if byLang, ok := curatedLanguageQuality[provider]; ok {
		if q, ok := byLang[language]; ok {
			return q
		}
		return qualityGood
	}
	return qualityNoData
}

// supportForLanguages reduces a provider's per-language quality down to
// the worst case across all requested languages — a provider must serve
// every requested language acceptably, not just the easiest one.
func supportForLanguages(provider Provider, languages []string) languageQuality {
	if len(languages) == 0 {
		return qualityNoData
	}
	worst := languageQuality(1<<31 - 1)
	for _, l := range languages {
		if q := languageSupport(provider, l); q < worst {
			worst = q
		}
	}
	return worst
}

// RetryConfig bounds how many times and how long a failed stream attempt
// is retried before surfacing the error to the caller.
type RetryConfig struct {
	NumRetries   int
	MaxDelaySecs int
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{NumRetries: 2, MaxDelaySecs: 5}
}

// RoutingConfig configures a Router: the provider priority order tried on
// ties, and the retry policy applied to whichever provider is selected.
type RoutingConfig struct {
	Priorities  []Provider
	RetryConfig RetryConfig
}

func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Priorities: []Provider{
			ProviderDeepgram, ProviderSoniox, ProviderAssemblyAI,
			ProviderGladia, ProviderElevenLabs, ProviderFireworks, ProviderOpenAI,
		},
		RetryConfig: defaultRetryConfig(),
	}
}

// Router picks, among the providers available at runtime, the one best
// suited to a requested language set: highest language-support quality
// first, configured priority order breaking ties.
type Router struct {
	priorities  []Provider
	retryConfig RetryConfig
}

func NewRouter(cfg RoutingConfig) *Router {
	return &Router{priorities: cfg.Priorities, retryConfig: cfg.RetryConfig}
}

func DefaultRouter() *Router {
	return NewRouter(DefaultRoutingConfig())
}

func (r *Router) RetryConfig() RetryConfig { return r.retryConfig }

// SelectProvider returns the single best available provider, or "" if none
// support the requested languages.
func (r *Router) SelectProvider(languages []string, available map[Provider]bool) (Provider, bool) {
	chain := r.SelectProviderChain(languages, available)
	if len(chain) == 0 {
		return "", false
	}
	return chain[0], true
}

// SelectProviderChain ranks every available, language-capable provider by
// quality (desc), breaking ties by configured priority order.
func (r *Router) SelectProviderChain(languages []string, available map[Provider]bool) []Provider {
	type candidate struct {
		provider Provider
		quality  languageQuality
		priority int
	}

	candidates := make([]candidate, 0, len(r.priorities))
	for idx, p := range r.priorities {
		if !available[p] {
			continue
		}
		q := supportForLanguages(p, languages)
		if q == qualityNotSupported {
			continue
		}
		candidates = append(candidates, candidate{provider: p, quality: q, priority: idx})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].quality != candidates[j].quality {
			return candidates[i].quality > candidates[j].quality
		}
		return candidates[i].priority < candidates[j].priority
	})

	chain := make([]Provider, len(candidates))
	for i, c := range candidates {
		chain[i] = c.provider
	}
	return chain
}

// IsRetryableError classifies an upstream error message: auth (401/403/
// unauthorized/forbidden) and client (400/invalid) errors are permanent;
// transport/rate-limit/server errors are worth retrying.
func IsRetryableError(errMsg string) bool {
	lower := strings.ToLower(errMsg)

	isAuth := strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden")
	isClient := strings.Contains(lower, "400") || strings.Contains(lower, "invalid")
	if isAuth || isClient {
		return false
	}

	for _, marker := range []string{
		"timeout", "connection", "500", "502", "503", "504",
		"temporarily", "rate limit", "too many requests",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ShouldUseHyprnoteRouting reports whether the caller explicitly asked for
// managed multi-provider routing rather than a pinned provider.
func ShouldUseHyprnoteRouting(providerParam *string) bool {
	return providerParam != nil && *providerParam == "hyprnote"
}

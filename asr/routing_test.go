package asr

import "testing"

func availableSet(providers ...Provider) map[Provider]bool {
	m := make(map[Provider]bool, len(providers))
	for _, p := range providers {
		m[p] = true
	}
	return m
}

func TestSelectProviderByPriority(t *testing.T) {
	r := DefaultRouter()
	available := availableSet(ProviderSoniox, ProviderDeepgram)
	p, ok := r.SelectProvider([]string{"en"}, available)
	if !ok || p != ProviderDeepgram {
		t.Fatalf("expected deepgram (best quality for en) to win, got %v ok=%v", p, ok)
	}
}

func TestSelectProviderFallbackWhenFirstUnavailable(t *testing.T) {
	r := DefaultRouter()
	available := availableSet(ProviderSoniox, ProviderAssemblyAI)
	p, ok := r.SelectProvider([]string{"en"}, available)
	if !ok || p != ProviderSoniox {
		t.Fatalf("expected soniox, got %v ok=%v", p, ok)
	}
}

func TestSelectProviderNoneWhenNoneAvailable(t *testing.T) {
	r := DefaultRouter()
	_, ok := r.SelectProvider([]string{"en"}, map[Provider]bool{})
	if ok {
		t.Fatalf("expected no provider selected with an empty availability set")
	}
}

func TestSelectProviderFiltersByLanguageSupport(t *testing.T) {
	r := DefaultRouter()
	available := availableSet(ProviderDeepgram, ProviderSoniox, ProviderAssemblyAI)
	p, ok := r.SelectProvider([]string{"ko", "en"}, available)
	if !ok || p != ProviderSoniox {
		t.Fatalf("expected soniox for a ko+en session (worst-case quality wins), got %v ok=%v", p, ok)
	}
}

func TestSelectProviderChainOrdersByQualityThenPriority(t *testing.T) {
	r := DefaultRouter()
	available := availableSet(ProviderDeepgram, ProviderSoniox, ProviderAssemblyAI)
	chain := r.SelectProviderChain([]string{"en"}, available)
	want := []Provider{ProviderDeepgram, ProviderSoniox, ProviderAssemblyAI}
	if len(chain) != len(want) {
		t.Fatalf("expected chain %v, got %v", want, chain)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("expected chain %v, got %v", want, chain)
		}
	}
}

func TestSelectProviderPrefersQualityOverPriority(t *testing.T) {
	r := DefaultRouter()
	available := availableSet(ProviderDeepgram, ProviderSoniox, ProviderElevenLabs)
	chain := r.SelectProviderChain([]string{"ko"}, available)
	want := []Provider{ProviderSoniox, ProviderDeepgram, ProviderElevenLabs}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("expected quality-ranked chain %v, got %v", want, chain)
		}
	}
}

func TestShouldUseHyprnoteRoutingExplicit(t *testing.T) {
	hyprnote := "hyprnote"
	if !ShouldUseHyprnoteRouting(&hyprnote) {
		t.Fatalf("expected explicit 'hyprnote' param to opt in")
	}
}

func TestShouldUseHyprnoteRoutingValidProvider(t *testing.T) {
	for _, name := range []string{"deepgram", "soniox", "assemblyai"} {
		if ShouldUseHyprnoteRouting(&name) {
			t.Fatalf("expected pinned provider %q not to opt into routing", name)
		}
	}
}

func TestShouldUseHyprnoteRoutingNoProvider(t *testing.T) {
	if ShouldUseHyprnoteRouting(nil) {
		t.Fatalf("expected nil provider param not to opt in")
	}
}

func TestShouldUseHyprnoteRoutingInvalidProvider(t *testing.T) {
	for _, name := range []string{"invalid", "unknown_provider", "", "auto"} {
		name := name
		if ShouldUseHyprnoteRouting(&name) {
			t.Fatalf("expected %q not to opt in", name)
		}
	}
}

func TestIsRetryableErrorRejectsAuthAndClientErrors(t *testing.T) {
	for _, msg := range []string{
		"401 Unauthorized", "403 Forbidden", "unauthorized access",
		"400 Bad Request", "invalid request body",
	} {
		if IsRetryableError(msg) {
			t.Fatalf("expected %q to be non-retryable", msg)
		}
	}
}

func TestIsRetryableErrorAcceptsTransientErrors(t *testing.T) {
	for _, msg := range []string{
		"connection timeout", "connection reset", "500 Internal Server Error",
		"502 Bad Gateway", "503 Service Unavailable", "504 Gateway Timeout",
		"service temporarily unavailable", "rate limit exceeded", "too many requests",
	} {
		if !IsRetryableError(msg) {
			t.Fatalf("expected %q to be retryable", msg)
		}
	}
}

// TestRoutingPropertiesOverLanguageCombos is a deterministic table-driven
// stand-in for the reference suite's quickcheck properties: no duplicate
// providers in a chain, every chain entry drawn from the available set,
// language order doesn't affect the top pick, and Soniox (curated premium
// across every test language) always appears.
func TestRoutingPropertiesOverLanguageCombos(t *testing.T) {
	r := DefaultRouter()
	available := availableSet(ProviderDeepgram, ProviderSoniox)
	testLangs := []string{
		"en", "es", "fr", "de", "it", "ja", "ko", "zh", "ar", "hi", "pt", "ru", "nl", "sv", "vi",
	}

	combos := [][]string{}
	for _, a := range testLangs {
		combos = append(combos, []string{a})
	}
	for i := 0; i < len(testLangs); i++ {
		for j := i + 1; j < len(testLangs); j++ {
			combos = append(combos, []string{testLangs[i], testLangs[j]})
		}
	}

	for _, combo := range combos {
		chain := r.SelectProviderChain(combo, available)

		seen := map[Provider]bool{}
		for _, p := range chain {
			if seen[p] {
				t.Fatalf("duplicate provider %v in chain for %v", p, combo)
			}
			seen[p] = true
			if !available[p] {
				t.Fatalf("chain entry %v not in available set for %v", p, combo)
			}
		}

		if len(chain) == 0 {
			t.Fatalf("expected a non-empty chain for %v (deepgram/soniox both blanket-eligible)", combo)
		}

		found := false
		for _, p := range chain {
			if p == ProviderSoniox {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected soniox in chain for %v", combo)
		}

		reversed := make([]string, len(combo))
		for i, l := range combo {
			reversed[len(combo)-1-i] = l
		}
		first, _ := r.SelectProvider(combo, available)
		firstReversed, _ := r.SelectProvider(reversed, available)
		if first != firstReversed {
			t.Fatalf("expected language order independence for %v, got %v vs %v", combo, first, firstReversed)
		}

		chainHead, _ := r.SelectProvider(combo, available)
		if len(chain) > 0 && chainHead != chain[0] {
			t.Fatalf("expected SelectProvider to equal chain head for %v", combo)
		}
	}
}

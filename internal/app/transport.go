package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	anthropicprov "github.com/nulpointcorp/llm-gateway/internal/providers/anthropic"
	azureprov "github.com/nulpointcorp/llm-gateway/internal/providers/azure"
	bedrockprov "github.com/nulpointcorp/llm-gateway/internal/providers/bedrock"
	geminiprov "github.com/nulpointcorp/llm-gateway/internal/providers/gemini"
	mistralprov "github.com/nulpointcorp/llm-gateway/internal/providers/mistral"
	openaiprov "github.com/nulpointcorp/llm-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/llm-gateway/internal/providers/openaicompat"
	vertexaiprov "github.com/nulpointcorp/llm-gateway/internal/providers/vertexai"
)

// transportCache builds a dispatch.TransportFactory over the teacher's
// internal/providers/* clients, keyed by (key ID, proxy) so repeated
// candidates for the same credential reuse one client instead of
// reconstructing an SDK-backed http.Client per attempt. This is the
// connection-pool keying spec.md §4.9 asks for; the "tls_profile" axis
// it also names has no equivalent in any wrapped provider client today,
// so the cache key stops at (key ID, proxy) until one exposes custom
// TLS configuration.
type transportCache struct {
	ctx context.Context

	mu    sync.Mutex
	byKey map[string]dispatch.Transport
}

func newTransportCache(ctx context.Context) *transportCache {
	return &transportCache{ctx: ctx, byKey: make(map[string]dispatch.Transport)}
}

// Factory returns the dispatch.TransportFactory bound to this cache.
func (tc *transportCache) Factory() dispatch.TransportFactory {
	return func(family model.ApiFamily, key *model.ProviderAPIKey, proxy string) (dispatch.Transport, error) {
		return tc.get(family, key, proxy)
	}
}

func (tc *transportCache) get(family model.ApiFamily, key *model.ProviderAPIKey, proxy string) (dispatch.Transport, error) {
	cacheKey := key.ID + "|" + proxy
	tc.mu.Lock()
	if t, ok := tc.byKey[cacheKey]; ok {
		tc.mu.Unlock()
		return t, nil
	}
	tc.mu.Unlock()

	t, err := tc.build(family, key)
	if err != nil {
		return nil, err
	}

	tc.mu.Lock()
	tc.byKey[cacheKey] = t
	tc.mu.Unlock()
	return t, nil
}

// build constructs one provider client for a key, dispatching on
// ProviderType the same way buildProviders does for the static config
// path in app.go, but reading per-key connection settings out of
// UpstreamMetadata instead of top-level config fields, since a single
// running gateway now serves many providers of the same type (e.g. two
// distinct Azure OpenAI deployments) rather than one of each.
func (tc *transportCache) build(family model.ApiFamily, key *model.ProviderAPIKey) (dispatch.Transport, error) {
	meta := key.UpstreamMetadata
	switch providerTypeOf(meta, family) {
	case "anthropic":
		var opts []anthropicprov.Option
		if u, ok := stringMeta(meta, "base_url"); ok {
			opts = append(opts, anthropicprov.WithBaseURL(u))
		}
		return anthropicprov.New(key.APIKey, opts...), nil

	case "openai":
		var opts []openaiprov.Option
		if u, ok := stringMeta(meta, "base_url"); ok {
			opts = append(opts, openaiprov.WithBaseURL(u))
		}
		return openaiprov.New(key.APIKey, opts...), nil

	case "gemini":
		var opts []geminiprov.Option
		if u, ok := stringMeta(meta, "base_url"); ok {
			opts = append(opts, geminiprov.WithBaseURL(u))
		}
		return geminiprov.New(tc.ctx, key.APIKey, opts...), nil

	case "mistral":
		var opts []mistralprov.Option
		if u, ok := stringMeta(meta, "base_url"); ok {
			opts = append(opts, mistralprov.WithBaseURL(u))
		}
		return mistralprov.New(key.APIKey, opts...), nil

	case "vertexai":
		project, _ := stringMeta(meta, "project")
		var opts []vertexaiprov.Option
		if loc, ok := stringMeta(meta, "location"); ok {
			opts = append(opts, vertexaiprov.WithLocation(loc))
		}
		return vertexaiprov.New(tc.ctx, project, opts...)

	case "bedrock":
		region, _ := stringMeta(meta, "region")
		secretKey, _ := stringMeta(meta, "secret_key")
		var opts []bedrockprov.Option
		if tok, ok := stringMeta(meta, "session_token"); ok {
			opts = append(opts, bedrockprov.WithSessionToken(tok))
		}
		if u, ok := stringMeta(meta, "endpoint_url"); ok {
			opts = append(opts, bedrockprov.WithEndpointURL(u))
		}
		return bedrockprov.New(key.APIKey, secretKey, region, opts...), nil

	case "azure":
		endpoint, _ := stringMeta(meta, "endpoint")
		apiVersion, ok := stringMeta(meta, "api_version")
		if !ok {
			apiVersion = "2024-12-01-preview"
		}
		return azureprov.New(endpoint, key.APIKey, apiVersion), nil

	default:
		// Any other ProviderType is assumed OpenAI-compatible: a
		// distinct chat-completions-shaped upstream identified only by
		// name and base URL, the same fallback buildProviders uses for
		// the long tail of OpenAI-compatible vendors.
		name, _ := stringMeta(meta, "provider_name")
		if name == "" {
			name = string(family)
		}
		baseURL, _ := stringMeta(meta, "base_url")
		if baseURL == "" {
			return nil, fmt.Errorf("app: openai-compatible key %q missing base_url", key.ID)
		}
		return openaicompatprov.New(name, key.APIKey, baseURL), nil
	}
}

func providerTypeOf(meta map[string]any, family model.ApiFamily) string {
	if t, ok := stringMeta(meta, "provider_type"); ok {
		return t
	}
	// Fall back to the wire family for the common case where a key's
	// ProviderType wasn't set explicitly: openai/claude/gemini map 1:1
	// onto the openai/anthropic/gemini clients.
	switch family {
	case model.FamilyOpenAI:
		return "openai"
	case model.FamilyClaude:
		return "anthropic"
	case model.FamilyGemini:
		return "gemini"
	default:
		return "openaicompat"
	}
}

func stringMeta(meta map[string]any, key string) (string, bool) {
	v, ok := meta[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

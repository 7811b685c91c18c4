package app

import (
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/store/memstore"
)

// providerSpec describes one potential upstream for bootstrapProviderStore,
// mirroring one buildProviders branch: a name, its wire family, the
// ProviderType transportCache.build dispatches on, and the
// UpstreamMetadata a Transport needs beyond the API key itself.
type providerSpec struct {
	name         string
	family       model.ApiFamily
	providerType string
	apiKey       string
	meta         map[string]any
	configured   bool
}

// bootstrapProviderStore converts the static env-var configuration
// config.Load already reads (the same fields buildProviders reads to
// build the /health probe map) into a store.ProviderStore-shaped
// memstore.ProviderStore: one Provider/Endpoint/ProviderAPIKey per
// configured credential, plus one GlobalModel/Model pair per entry in
// providers.ModelAliases whose provider is configured. This gives
// CandidateBuilder model-name routing expressed as data instead of
// a switch statement, without requiring an operator to hand-author a
// Provider/Model graph just to run the quick-start single-key case.
func bootstrapProviderStore(cfg *config.Config) *memstore.ProviderStore {
	specs := providerSpecs(cfg)

	store := memstore.NewProviderStore()
	configuredNames := make(map[string]bool, len(specs))

	for _, s := range specs {
		if !s.configured {
			continue
		}
		configuredNames[s.name] = true

		provider := &model.Provider{
			ID:           s.name,
			Name:         s.name,
			ProviderType: s.providerType,
			IsActive:     true,
		}
		endpoint := &model.Endpoint{
			ID:           s.name + "-chat",
			ProviderID:   s.name,
			APIFamily:    s.family,
			EndpointKind: model.KindChat,
			IsActive:     true,
		}
		key := &model.ProviderAPIKey{
			ID:               s.name + "-key",
			ProviderID:       s.name,
			APIKey:           s.apiKey,
			AuthType:         model.AuthAPIKey,
			UpstreamMetadata: s.meta,
			IsActive:         true,
		}
		store.AddProvider(provider, []*model.Endpoint{endpoint}, []*model.ProviderAPIKey{key}, nil)
	}

	// Register one GlobalModel + Model row per alias whose provider is
	// actually configured, so an unconfigured provider's model names
	// never resolve to a candidate with no credential behind it.
	modelsByProvider := make(map[string][]*model.Model)
	for modelName, providerName := range providers.ModelAliases {
		if !configuredNames[providerName] {
			continue
		}
		gmID := "gm-" + modelName
		store.AddGlobalModel(&model.GlobalModel{ID: gmID, Name: modelName, IsActive: true})
		modelsByProvider[providerName] = append(modelsByProvider[providerName], &model.Model{
			ProviderID:        providerName,
			GlobalModelID:     gmID,
			ProviderModelName: modelName,
			IsActive:          true,
		})
	}
	for providerName, models := range modelsByProvider {
		store.AddModels(providerName, models)
	}

	return store
}

// providerSpecs enumerates every provider buildProviders knows how to
// construct, in the same order, translated into the (family,
// providerType, metadata) triple transportCache.build needs instead of
// an already-constructed providers.Provider.
func providerSpecs(cfg *config.Config) []providerSpec {
	meta := func(kv ...string) map[string]any {
		m := make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if kv[i+1] != "" {
				m[kv[i]] = kv[i+1]
			}
		}
		return m
	}

	specs := []providerSpec{
		{name: "openai", family: model.FamilyOpenAI, providerType: "openai",
			apiKey: cfg.OpenAI.APIKey, configured: cfg.OpenAI.APIKey != "",
			meta: meta("base_url", cfg.OpenAI.BaseURL)},
		{name: "anthropic", family: model.FamilyClaude, providerType: "anthropic",
			apiKey: cfg.Anthropic.APIKey, configured: cfg.Anthropic.APIKey != "",
			meta: meta("base_url", cfg.Anthropic.BaseURL)},
		{name: "gemini", family: model.FamilyGemini, providerType: "gemini",
			apiKey: cfg.Gemini.APIKey, configured: cfg.Gemini.APIKey != "",
			meta: meta("base_url", cfg.Gemini.BaseURL)},
		{name: "mistral", family: model.FamilyOther, providerType: "mistral",
			apiKey: cfg.Mistral.APIKey, configured: cfg.Mistral.APIKey != "",
			meta: meta("base_url", cfg.Mistral.BaseURL)},
	}

	type ocEntry struct {
		key     string
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.XAI.APIKey, "xai", "https://api.x.ai/v1"},
		{cfg.DeepSeek.APIKey, "deepseek", "https://api.deepseek.com/v1"},
		{cfg.Groq.APIKey, "groq", "https://api.groq.com/openai/v1"},
		{cfg.Together.APIKey, "together", "https://api.together.xyz/v1"},
		{cfg.Perplexity.APIKey, "perplexity", "https://api.perplexity.ai"},
		{cfg.Cerebras.APIKey, "cerebras", "https://api.cerebras.ai/v1"},
		{cfg.Moonshot.APIKey, "moonshot", "https://api.moonshot.cn/v1"},
		{cfg.MiniMax.APIKey, "minimax", "https://api.minimax.chat/v1"},
		{cfg.Qwen.APIKey, "qwen", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
		{cfg.Nebius.APIKey, "nebius", "https://api.studio.nebius.ai/v1"},
		{cfg.NovitaAI.APIKey, "novita", "https://api.novita.ai/v3/openai"},
		{cfg.ByteDance.APIKey, "bytedance", "https://ark.cn-beijing.volces.com/api/v3"},
		{cfg.ZAI.APIKey, "zai", "https://api.z.ai/api/openai/v1"},
		{cfg.CanopyWave.APIKey, "canopywave", "https://api.canopywave.com/v1"},
		{cfg.Inference.APIKey, "inference", "https://api.inference.net/v1"},
		{cfg.NanoGPT.APIKey, "nanogpt", "https://nano-gpt.com/api/v1"},
	}
	for _, e := range ocProviders {
		specs = append(specs, providerSpec{
			name: e.name, family: model.FamilyOther, providerType: "openaicompat",
			apiKey: e.key, configured: e.key != "",
			meta: meta("provider_name", e.name, "base_url", e.baseURL),
		})
	}

	specs = append(specs, providerSpec{
		name: "vertexai", family: model.FamilyOther, providerType: "vertexai",
		configured: cfg.VertexAI.Project != "",
		meta:       meta("project", cfg.VertexAI.Project, "location", cfg.VertexAI.Location),
	})

	specs = append(specs, providerSpec{
		name: "bedrock", family: model.FamilyOther, providerType: "bedrock",
		apiKey:     cfg.Bedrock.AccessKey,
		configured: cfg.Bedrock.AccessKey != "" && cfg.Bedrock.SecretKey != "" && cfg.Bedrock.Region != "",
		meta: meta(
			"secret_key", cfg.Bedrock.SecretKey,
			"region", cfg.Bedrock.Region,
			"session_token", cfg.Bedrock.SessionToken,
			"endpoint_url", cfg.Bedrock.EndpointURL,
		),
	})

	azureAPIVersion := cfg.Azure.APIVersion
	if azureAPIVersion == "" {
		azureAPIVersion = "2024-12-01-preview"
	}
	specs = append(specs, providerSpec{
		name: "azure", family: model.FamilyOther, providerType: "azure",
		apiKey:     cfg.Azure.APIKey,
		configured: cfg.Azure.APIKey != "" && cfg.Azure.Endpoint != "",
		meta:       meta("endpoint", cfg.Azure.Endpoint, "api_version", azureAPIVersion),
	})

	return specs
}

package adapters

// SupportedProviders are the CLI agents /mode can switch between. The
// echo adapter is for tests and is deliberately not listed.
var SupportedProviders = []string{"codex", "gemini", "claude"}

var availableModelsByProvider = map[string][]string{
	"codex": {
		"gpt-5.3-codex",
		"gpt-5.3-codex-spark",
		"gpt-5.2-codex",
		"gpt-5.1-codex-max",
		"gpt-5.2",
		"gpt-5.1-codex-mini",
		"gpt-5",
	},
	"gemini": {"gemini-2.5-pro", "gemini-2.5-flash"},
	"claude": {"claude-sonnet-4-5"},
}

// IsSupportedProvider reports whether name is a switchable provider.
func IsSupportedProvider(name string) bool {
	for _, p := range SupportedProviders {
		if p == name {
			return true
		}
	}
	return false
}

// AvailableModels lists the selectable models for a provider.
func AvailableModels(provider string) []string {
	return availableModelsByProvider[provider]
}

// IsAllowedModel reports whether model is selectable for provider.
func IsAllowedModel(provider, model string) bool {
	for _, m := range AvailableModels(provider) {
		if m == model {
			return true
		}
	}
	return false
}

// ResolveProviderDefaultModel picks the configured default when it is
// valid for the provider, else the provider's first preset.
func ResolveProviderDefaultModel(provider, configuredDefault string) string {
	models := AvailableModels(provider)
	if len(models) == 0 {
		return ""
	}
	if configuredDefault != "" && IsAllowedModel(provider, configuredDefault) {
		return configuredDefault
	}
	return models[0]
}

// ResolveSelectedModel prefers the session's model when valid, falling
// back to the configured or preset default.
func ResolveSelectedModel(provider, sessionModel, configuredDefault string) string {
	if sessionModel != "" && IsAllowedModel(provider, sessionModel) {
		return sessionModel
	}
	return ResolveProviderDefaultModel(provider, configuredDefault)
}

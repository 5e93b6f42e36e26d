package upstream

import (
	"fmt"
	"log/slog"
	"net/http"
)

const ProviderGemini = "gemini"

type Factory struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (f Factory) New(provider, apiKey string) (Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing api key for provider %q", provider)
	}
	switch provider {
	case "", ProviderGemini:
		return NewGeminiAdapter(apiKey, f.HTTPClient, f.Logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

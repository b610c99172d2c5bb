package dispatch

import (
	"fmt"
	"net/http"

	"github.com/cryptoklosh/dkn-compute-node/internal/executor"
	"github.com/cryptoklosh/dkn-compute-node/internal/models"
	"github.com/cryptoklosh/dkn-compute-node/internal/taskerr"
)

// ProviderCredentials holds the base URL and API key a hosted provider
// executor is constructed with.
type ProviderCredentials struct {
	BaseURL string
	APIKey  string
}

// ModelFactory resolves a model id against the configured model list and
// builds the matching executor, routing Ollama models to the single lane
// and everything else to the batch lane.
type ModelFactory struct {
	OllamaHost  string
	OllamaPort  int
	Credentials map[models.Provider]ProviderCredentials
	Client      *http.Client
}

func (f *ModelFactory) Build(modelID string) (executor.Executor, bool, *taskerr.TaskError) {
	provider, ok := models.Lookup(modelID)
	if !ok {
		return nil, false, taskerr.Other(fmt.Errorf("dispatch: unknown model %s", modelID))
	}

	if provider == models.ProviderOllama {
		return executor.NewOllamaExecutor(f.OllamaHost, f.OllamaPort, modelID, f.Client), false, nil
	}

	creds := f.Credentials[provider]
	return executor.NewHTTPExecutor(provider, creds.BaseURL, creds.APIKey, modelID, f.Client), true, nil
}


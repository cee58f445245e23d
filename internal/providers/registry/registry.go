// Package registry assembles the default provider set from environment
// variables. It lives apart from the shared plumbing in internal/providers
// because the adapters it instantiates depend on that package themselves.
package registry

import (
	"net/http"
	"os"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/providers/anthropic"
	"github.com/cascadeflow/cascadeflow/internal/providers/ollama"
	"github.com/cascadeflow/cascadeflow/internal/providers/openai"
	"github.com/cascadeflow/cascadeflow/internal/tracing"
)

// OpenAI-compatible hosted providers and their endpoints. All of them speak
// the chat-completions format and differ only in base URL and key variable.
var compatible = []struct {
	name   string
	keyEnv string
	base   string
}{
	{"openai", "OPENAI_API_KEY", ""},
	{"groq", "GROQ_API_KEY", "https://api.groq.com/openai"},
	{"together", "TOGETHER_API_KEY", "https://api.together.xyz"},
	{"openrouter", "OPENROUTER_API_KEY", "https://openrouter.ai/api"},
	{"huggingface", "HUGGINGFACE_API_KEY", "https://router.huggingface.co"},
}

// Defaults builds the full provider set from environment variables, keyed by
// the provider tag ModelConfig.Provider refers to. Providers without keys
// are still registered; a per-request APIKey or BaseURL can supply access.
func Defaults(timeout time.Duration) map[string]cascade.Provider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: tracing.HTTPTransport(nil),
	}

	set := make(map[string]cascade.Provider)
	for _, c := range compatible {
		set[c.name] = openai.New(c.name, os.Getenv(c.keyEnv), c.base, openai.WithHTTPClient(client))
	}
	set["vllm"] = openai.New("vllm", os.Getenv("VLLM_API_KEY"), os.Getenv("VLLM_BASE_URL"), openai.WithHTTPClient(client))
	set["anthropic"] = anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), "", anthropic.WithHTTPClient(client))
	set["ollama"] = ollama.New(os.Getenv("OLLAMA_BASE_URL"), ollama.WithHTTPClient(client))
	return set
}

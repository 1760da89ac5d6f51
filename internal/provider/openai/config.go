package openai

// Config contains OpenAI provider configuration.
// An empty APIKey keeps the provider registered; calls then fail with MISSING_CREDENTIAL.
type Config struct {
	APIKey        string   `env:"OPENAI_API_KEY"`
	BaseURL       string   `env:"OPENAI_BASE_URL"       envDefault:"https://api.openai.com/v1"`
	Models        []string `env:"OPENAI_MODELS"         envDefault:"gpt-4o-mini,gpt-4o,gpt-4,gpt-3.5-turbo" envSeparator:","`
	FallbackModel string   `env:"OPENAI_FALLBACK_MODEL" envDefault:"gpt-4o-mini"`
}

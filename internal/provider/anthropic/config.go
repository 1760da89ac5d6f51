package anthropic

// Config contains Anthropic provider configuration.
type Config struct {
	APIKey        string   `env:"ANTHROPIC_API_KEY"`
	BaseURL       string   `env:"ANTHROPIC_BASE_URL"       envDefault:"https://api.anthropic.com"`
	Models        []string `env:"ANTHROPIC_MODELS"         envDefault:"claude-3-5-sonnet-20241022,claude-3-5-haiku-20241022,claude-3-haiku-20240307" envSeparator:","`
	FallbackModel string   `env:"ANTHROPIC_FALLBACK_MODEL" envDefault:"claude-3-haiku-20240307"`
}

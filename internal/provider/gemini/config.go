package gemini

// Config contains Gemini provider configuration.
type Config struct {
	APIKey        string   `env:"GEMINI_API_KEY"`
	BaseURL       string   `env:"GEMINI_BASE_URL"`
	Models        []string `env:"GEMINI_MODELS"         envDefault:"gemini-2.0-flash,gemini-1.5-flash,gemini-1.5-pro" envSeparator:","`
	FallbackModel string   `env:"GEMINI_FALLBACK_MODEL" envDefault:"gemini-1.5-flash"`
}

package compat

// Config describes one OpenAI-compatible endpoint such as DeepSeek or a
// local inference server.
type Config struct {
	Name          string   `env:"COMPAT_NAME"           envDefault:"deepseek"`
	APIKey        string   `env:"COMPAT_API_KEY"`
	BaseURL       string   `env:"COMPAT_BASE_URL"       envDefault:"https://api.deepseek.com/v1"`
	Models        []string `env:"COMPAT_MODELS"         envDefault:"deepseek-chat,deepseek-reasoner" envSeparator:","`
	FallbackModel string   `env:"COMPAT_FALLBACK_MODEL" envDefault:"deepseek-chat"`
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/quillgate/internal/config"
	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/http"
	"github.com/davidbz/quillgate/internal/observability"
)

const cliShutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "quillgate",
		Short: "AI completion gateway with caching, cost tracking and admission control",
		Long: `Quillgate fronts several LLM providers behind one API. It prices every
completion, caches repeated prompts, enforces per-tenant request, token and
cost ceilings, and falls back to another provider once when the first fails.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// invoke builds the container, initializes logging, then runs fn.
func invoke(fn any) error {
	container, err := buildContainer()
	if err != nil {
		return err
	}

	if err := container.Invoke(func(*zap.Logger) {}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := container.Invoke(fn); err != nil {
		return dig.RootCause(err)
	}
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(func(server *http.Server, cfg *config.ServerConfig, c closers) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				errCh := make(chan error, 1)
				go func() {
					errCh <- server.Start()
				}()

				var serveErr error
				select {
				case serveErr = <-errCh:
				case <-ctx.Done():
				}

				timeout := time.Duration(cfg.ShutdownTimeout) * time.Second
				shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()

				if err := server.Shutdown(shutdownCtx); err != nil {
					observability.FromContext(shutdownCtx).Error("shutdown failed", observability.Error(err))
				}
				c.close(timeout)

				return serveErr
			})
		},
	}
}

func generateCmd() *cobra.Command {
	var (
		prompt      string
		opts        domain.GenerateOptions
		temperature float64
		noCache     bool
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run one completion through the gateway and print it as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				prompt = args[0]
			}
			if cmd.Flags().Changed("temperature") {
				opts.Temperature = &temperature
			}
			if noCache {
				useCache := false
				opts.UseCache = &useCache
			}

			return invoke(func(gateway *domain.GatewayService, c closers) error {
				defer c.close(cliShutdownTimeout)

				response, err := gateway.Generate(cmd.Context(), prompt, opts)
				if err != nil {
					return err
				}

				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(response)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&prompt, "prompt", "", "prompt text (or pass it as the argument)")
	flags.StringVar(&opts.Tenant.WorkspaceID, "workspace", "", "tenant workspace id")
	flags.StringVar(&opts.Tenant.UserID, "user", "", "tenant user id")
	flags.StringVar(&opts.Operation, "operation", "cli", "operation label for usage reports")
	flags.StringVar(&opts.Provider, "provider", "", "provider name (default from config)")
	flags.StringVar(&opts.Model, "model", "", "model name (default from config)")
	flags.StringVar(&opts.SystemPrompt, "system", "", "system prompt")
	flags.IntVar(&opts.MaxTokens, "max-tokens", 0, "completion token ceiling")
	flags.Float64Var(&temperature, "temperature", domain.DefaultTemperature, "sampling temperature in [0, 2]")
	flags.BoolVar(&noCache, "no-cache", false, "skip the response cache")

	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List providers, their models and prices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(func(reg domain.ProviderRegistry, prices *domain.InMemoryPricingRegistry) error {
				ctx := cmd.Context()

				names, err := reg.List(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tMODEL\tINPUT/1K\tOUTPUT/1K\tFALLBACK")
				for _, name := range names {
					provider, err := reg.Get(ctx, name)
					if err != nil {
						return err
					}

					models := provider.SupportedModels(ctx)
					sort.Strings(models)
					for _, model := range models {
						input, output := "-", "-"
						if price, err := prices.GetPricing(ctx, model); err == nil {
							input = fmt.Sprintf("%.5f", price.InputCostPer1K)
							output = fmt.Sprintf("%.5f", price.OutputCostPer1K)
						}
						fallback := ""
						if model == provider.FallbackModel() {
							fallback = "yes"
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, model, input, output, fallback)
					}
				}

				return w.Flush()
			})
		},
	}
}

// Package main provides the memgate command-line interface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/teilomillet/memgate"
	"github.com/teilomillet/memgate/config"
	"github.com/teilomillet/memgate/pricing"
	"github.com/teilomillet/memgate/prompt"
	"github.com/teilomillet/memgate/utils"
)

// globalFlags override the environment configuration.
type globalFlags struct {
	provider    string
	model       string
	apiKey      string
	logLevel    string
	pricingFile string
	stream      bool
	maxRetries  int
}

func main() {
	// A missing .env is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "memgate",
		Short: "Extract emotionally significant memories from conversations through rate-limited LLM providers",
		Long: `memgate builds a salience-ranked prompt from a conversation, sends it to the
configured provider under per-provider rate limits and parses the reply into a
validated memory set.

Configuration is read from MEMGATE_* environment variables and a .env file in
the working directory; flags override both.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.provider, "provider", "p", "", "Provider (anthropic, openai, gemini, custom, mock)")
	pf.StringVarP(&flags.model, "model", "m", "", "Model id")
	pf.StringVar(&flags.apiKey, "api-key", "", "API key for the provider")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (off, error, warn, info, debug)")
	pf.StringVar(&flags.pricingFile, "pricing-file", "", "YAML pricing catalog to load on top of the defaults")
	pf.BoolVar(&flags.stream, "stream", false, "Use the streaming path when the provider supports it")
	pf.IntVar(&flags.maxRetries, "max-retries", -1, "Transport retries (negative keeps the configured value)")

	root.AddCommand(
		extractCmd(flags),
		parseCmd(flags),
		promptCmd(flags),
		costCmd(flags),
		validateCmd(flags),
		limitsCmd(flags),
	)
	return root
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	var opts []config.ConfigOption
	if flags.provider != "" {
		opts = append(opts, config.SetProvider(flags.provider))
	}
	if flags.model != "" {
		opts = append(opts, config.SetModel(flags.model))
	}
	if flags.apiKey != "" {
		opts = append(opts, config.SetAPIKey(flags.apiKey))
	}
	if flags.pricingFile != "" {
		opts = append(opts, config.SetPricingFile(flags.pricingFile))
	}
	if cmd.Flags().Changed("stream") {
		opts = append(opts, config.SetStream(flags.stream))
	}
	if flags.maxRetries >= 0 {
		opts = append(opts, config.SetMaxRetries(flags.maxRetries))
	}
	if flags.logLevel != "" {
		var level utils.LogLevel
		if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
			return nil, err
		}
		opts = append(opts, config.SetLogLevel(level))
	}
	config.ApplyOptions(cfg, opts...)

	if cfg.Logger == nil {
		cfg.Logger = utils.NewLoggerWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, false)
	}
	return cfg, nil
}

func newGateway(cmd *cobra.Command, flags *globalFlags) (*memgate.Gateway, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}
	return memgate.New(cfg)
}

// conversation is the input document: either a bare array of messages or an
// object with messages and an optional mood.
type conversation struct {
	Messages []prompt.Message          `json:"messages"`
	Mood     *prompt.MoodAnalysisResult `json:"mood,omitempty"`
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func readConversation(cmd *cobra.Command, args []string) (*conversation, error) {
	data, err := readInput(cmd, args)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("conversation is not valid JSON")
	}

	conv := &conversation{}
	if gjson.ParseBytes(data).IsArray() {
		err = json.Unmarshal(data, &conv.Messages)
	} else {
		err = json.Unmarshal(data, conv)
	}
	if err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func extractCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "extract [conversation.json]",
		Short: "Extract memories from a conversation (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := readConversation(cmd, args)
			if err != nil {
				return err
			}
			gw, err := newGateway(cmd, flags)
			if err != nil {
				return err
			}

			res, err := gw.Extract(cmd.Context(), conv.Messages, conv.Mood)
			if res == nil {
				return err
			}
			out := map[string]any{
				"requestId": res.RequestID,
				"attempts":  res.Attempts,
				"streamed":  res.Streamed,
				"usage":     res.Usage,
				"cost":      res.Cost,
				"warnings":  res.Parse.Warnings,
			}
			if res.Parse.Data != nil {
				out["memories"] = res.Parse.Data.Memories
			}
			if werr := writeJSON(cmd.OutOrStdout(), out); werr != nil {
				return werr
			}
			return err
		},
	}
}

func parseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [response.txt]",
		Short: "Parse a raw model response into a memory set without calling a provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			gw, err := newGateway(cmd, flags)
			if err != nil {
				return err
			}

			res := gw.Parse(cmd.Context(), string(data))
			out := map[string]any{
				"success":      res.Success,
				"attempts":     res.Attempts,
				"repairPasses": res.RepairPasses,
				"fallback":     res.UsedFallback,
				"legacy":       res.UsedLegacySchema,
				"warnings":     res.Warnings,
			}
			if res.Data != nil {
				out["memories"] = res.Data.Memories
			}
			if res.Error != nil {
				out["error"] = res.Error.Error()
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if res.Error != nil {
				return res.Error
			}
			return nil
		},
	}
}

func promptCmd(flags *globalFlags) *cobra.Command {
	var showStats bool
	cmd := &cobra.Command{
		Use:   "prompt [conversation.json]",
		Short: "Render the extraction prompt for a conversation without sending it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := readConversation(cmd, args)
			if err != nil {
				return err
			}
			gw, err := newGateway(cmd, flags)
			if err != nil {
				return err
			}

			built, err := gw.BuildPrompt(conv.Messages, conv.Mood)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, built.Prompt)
			if showStats {
				fmt.Fprintf(w, "tokens=%d budget=%d kept=%d omitted=%d pruned=%d over_budget=%t\n",
					built.EstimatedTokens, built.Budget, len(built.Messages), built.Omitted, built.Pruned, built.OverBudget)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showStats, "stats", false, "Print token and pruning statistics after the prompt")
	return cmd
}

func costCmd(flags *globalFlags) *cobra.Command {
	var (
		input    int
		output   int
		cheapest bool
		dump     bool
	)
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Estimate the cost of a call from the pricing catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			catalog := pricing.NewDefaultCatalog()
			if cfg.PricingFile != "" {
				if err := catalog.LoadFile(cfg.PricingFile); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			switch {
			case dump:
				return catalog.Write(w)
			case cheapest:
				opt, ok := catalog.FindCheapestOption(input, output)
				if !ok {
					return fmt.Errorf("pricing catalog is empty")
				}
				fmt.Fprintf(w, "%s/%s $%.6f\n", opt.Provider, opt.Model, opt.Cost)
			default:
				model := cfg.ResolvedModel()
				if _, ok := catalog.Lookup(cfg.Provider, model); !ok {
					fmt.Fprintf(cmd.ErrOrStderr(), "no price registered for %s/%s\n", cfg.Provider, model)
				}
				fmt.Fprintf(w, "%s/%s $%.6f\n", cfg.Provider, model, catalog.CalculateCost(cfg.Provider, model, input, output))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&input, "input", 1000, "Input tokens")
	cmd.Flags().IntVar(&output, "output", 500, "Output tokens")
	cmd.Flags().BoolVar(&cheapest, "cheapest", false, "Show the cheapest registered provider/model instead")
	cmd.Flags().BoolVar(&dump, "dump", false, "Write the effective catalog as YAML")
	return cmd
}

func validateCmd(flags *globalFlags) *cobra.Command {
	var ping bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration, optionally with a live provider round-trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := newGateway(cmd, flags)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			p := gw.Provider()
			fmt.Fprintf(w, "configuration ok: provider=%s model=%s\n", p.Name(), p.Model())
			if !ping {
				return nil
			}
			if !gw.Ping(cmd.Context()) {
				return fmt.Errorf("provider %s did not answer", p.Name())
			}
			fmt.Fprintln(w, "provider reachable")
			return nil
		},
	}
	cmd.Flags().BoolVar(&ping, "ping", false, "Send a minimal request to the provider")
	return cmd
}

func limitsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the effective rate-limit configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			lc := memgate.LimiterConfig(cfg.RateLimit)
			if err := lc.Validate(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"provider":         cfg.Provider,
				"limits":           lc,
				"byTokens":         cfg.RateLimit.ByTokens,
				"maxAdmissionWait": cfg.RateLimit.MaxAdmissionWait.String(),
			})
		},
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"monollm/internal/core"
	"monollm/internal/usage"
	"monollm/internal/version"
)

func (c *CLI) listProviders(ctx context.Context, args []string) error {
	var common commonFlags
	fs := c.newFlagSet("list-providers", "Usage: monollm list-providers [--config PATH]")
	common.register(fs)
	if _, err := parseFlags(fs, args); err != nil {
		return flagError("list-providers", err)
	}

	a, err := c.openApp(ctx, common)
	if err != nil {
		return err
	}
	defer closeApp(a)

	providers := a.Orchestrator().ListProviders()
	ids := make([]string, 0, len(providers))
	for id := range providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	w := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBASE URL\tOPENAI PROTOCOL\tSTREAMING\tMCP")
	for _, id := range ids {
		p := providers[id]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			id, p.Name, p.BaseURL, yesNo(p.UsesOpenAIProtocol), yesNo(p.SupportsStreaming), yesNo(p.SupportsMCP))
	}
	return w.Flush()
}

func (c *CLI) listModels(ctx context.Context, args []string) error {
	var (
		common   commonFlags
		provider string
	)
	fs := c.newFlagSet("list-models", "Usage: monollm list-models [--provider ID] [--config PATH]")
	common.register(fs)
	fs.StringVar(&provider, "provider", "", "only list models of this provider")
	if _, err := parseFlags(fs, args); err != nil {
		return flagError("list-models", err)
	}

	a, err := c.openApp(ctx, common)
	if err != nil {
		return err
	}
	defer closeApp(a)

	catalog, err := a.Orchestrator().ListModels(provider)
	if err != nil {
		return err
	}
	providerIDs := make([]string, 0, len(catalog))
	for id := range catalog {
		providerIDs = append(providerIDs, id)
	}
	slices.Sort(providerIDs)

	w := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tNAME\tMAX TOKENS\tTEMPERATURE\tSTREAMING\tREASONING\tTHINKING")
	for _, pid := range providerIDs {
		models := catalog[pid]
		modelIDs := make([]string, 0, len(models))
		for id := range models {
			modelIDs = append(modelIDs, id)
		}
		slices.Sort(modelIDs)
		for _, mid := range modelIDs {
			m := models[mid]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				pid, mid, m.Name, m.MaxTokens,
				yesNo(m.SupportsTemperature), yesNo(m.SupportsStreaming),
				yesNo(m.IsReasoningModel), yesNo(m.SupportsThinking))
		}
	}
	return w.Flush()
}

func (c *CLI) usageSummary(ctx context.Context, args []string) error {
	var (
		common   commonFlags
		provider string
		since    string
	)
	fs := c.newFlagSet("usage", "Usage: monollm usage [--provider ID] [--since 24h|RFC3339] [--config PATH]")
	common.register(fs)
	fs.StringVar(&provider, "provider", "", "only summarise this provider")
	fs.StringVar(&since, "since", "", "lower bound: RFC 3339 time or duration such as 24h")
	if _, err := parseFlags(fs, args); err != nil {
		return flagError("usage", err)
	}

	q := usage.Query{Provider: provider}
	if since != "" {
		t, err := usage.ParseSince(since, time.Now())
		if err != nil {
			return core.NewValidationError("since", since, err.Error())
		}
		q.Since = t
	}

	a, err := c.openApp(ctx, common)
	if err != nil {
		return err
	}
	defer closeApp(a)

	reader := a.UsageReader()
	if reader == nil {
		return core.NewConfigurationError("usage tracking is disabled; set usage.enabled in the configuration", nil)
	}
	rows, err := reader.Summary(ctx, q)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(c.Stdout, "No usage recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tREQUESTS\tERRORS\tPROMPT\tCOMPLETION\tTOTAL")
	var total usage.ModelUsage
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.Provider, r.Model, r.Requests, r.Errors, r.PromptTokens, r.CompletionTokens, r.TotalTokens)
		total.Requests += r.Requests
		total.Errors += r.Errors
		total.PromptTokens += r.PromptTokens
		total.CompletionTokens += r.CompletionTokens
		total.TotalTokens += r.TotalTokens
	}
	fmt.Fprintf(w, "TOTAL\t\t%d\t%d\t%d\t%d\t%d\n",
		total.Requests, total.Errors, total.PromptTokens, total.CompletionTokens, total.TotalTokens)
	return w.Flush()
}

func (c *CLI) serve(ctx context.Context, args []string) error {
	var (
		common commonFlags
		port   int
	)
	fs := c.newFlagSet("serve", "Usage: monollm serve [--port N] [--config PATH]")
	common.register(fs)
	fs.IntVar(&port, "port", 0, "listen port (overrides configuration)")
	if _, err := parseFlags(fs, args); err != nil {
		return flagError("serve", err)
	}

	cfg, err := c.loadConfig(common)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = strconv.Itoa(port)
	}

	a, err := c.newApp(ctx, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start(net.JoinHostPort("", cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		shutdownErr := a.Shutdown(context.Background())
		return errors.Join(err, shutdownErr)
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (c *CLI) version(args []string) error {
	fs := c.newFlagSet("version", "Usage: monollm version")
	if _, err := parseFlags(fs, args); err != nil {
		return flagError("version", err)
	}
	fmt.Fprintln(c.Stdout, version.Info())
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"monollm/internal/core"
	"monollm/internal/orchestrator"
)

// generationFlags are shared by generate and chat.
type generationFlags struct {
	commonFlags
	model       string
	provider    string
	system      string
	temperature optionalFloat
	maxTokens   optionalInt
	stream      bool
	thinking    bool
}

func (f *generationFlags) register(fsName string, c *CLI, help string) *flag.FlagSet {
	fs := c.newFlagSet(fsName, help)
	f.commonFlags.register(fs)
	fs.StringVar(&f.model, "model", "", "model id (required)")
	fs.StringVar(&f.provider, "provider", "", "provider id when the model id is ambiguous")
	fs.StringVar(&f.system, "system", "", "system prompt")
	fs.Var(&f.temperature, "temperature", "sampling temperature")
	fs.Var(&f.maxTokens, "max-tokens", "maximum tokens to generate")
	fs.BoolVar(&f.stream, "stream", false, "print the response as it is generated")
	fs.BoolVar(&f.thinking, "thinking", false, "request and show the model's reasoning")
	return fs
}

func (f *generationFlags) options() core.RequestOptions {
	return core.RequestOptions{
		Model:        f.model,
		Provider:     f.provider,
		Temperature:  f.temperature.value,
		MaxTokens:    f.maxTokens.value,
		Stream:       f.stream,
		ShowThinking: f.thinking,
	}
}

func (c *CLI) generate(ctx context.Context, args []string) error {
	var f generationFlags
	fs := f.register("generate", c, "Usage: monollm generate --model ID [flags] PROMPT")
	positional, err := parseFlags(fs, args)
	if err != nil {
		return flagError("generate", err)
	}
	prompt := strings.TrimSpace(strings.Join(positional, " "))
	if prompt == "" {
		return core.NewValidationError("prompt", nil, "a prompt is required")
	}
	if f.model == "" {
		return core.NewValidationError("model", nil, "--model is required")
	}

	a, err := c.openApp(ctx, f.commonFlags)
	if err != nil {
		return err
	}
	defer closeApp(a)

	var msgs []core.Message
	if f.system != "" {
		msgs = append(msgs, core.Message{Role: core.RoleSystem, Content: f.system})
	}
	msgs = append(msgs, core.NewUserMessage(prompt))

	_, err = c.runTurn(ctx, a.Orchestrator(), orchestrator.Messages(msgs...), f.options())
	return err
}

func (c *CLI) chat(ctx context.Context, args []string) error {
	var f generationFlags
	fs := f.register("chat", c, "Usage: monollm chat --model ID [flags]")
	if _, err := parseFlags(fs, args); err != nil {
		return flagError("chat", err)
	}
	if f.model == "" {
		return core.NewValidationError("model", nil, "--model is required")
	}

	a, err := c.openApp(ctx, f.commonFlags)
	if err != nil {
		return err
	}
	defer closeApp(a)
	orch := a.Orchestrator()

	provider, info, err := orch.GetModelInfo(f.model, f.provider)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "Chatting with %s (%s via %s). Type 'exit' to quit, 'clear' to reset.\n", info.Name, f.model, provider)
	opts := f.options()
	opts.Provider = provider

	var history []core.Message
	if f.system != "" {
		history = append(history, core.Message{Role: core.RoleSystem, Content: f.system})
	}
	base := len(history)

	scanner := bufio.NewScanner(c.Stdin)
	for {
		fmt.Fprint(c.Stdout, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(c.Stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "clear":
			history = history[:base]
			fmt.Fprintln(c.Stdout, "History cleared.")
			continue
		}

		history = append(history, core.NewUserMessage(line))
		fmt.Fprint(c.Stdout, "\nAssistant: ")
		resp, err := c.runTurn(ctx, orch, orchestrator.Messages(history...), opts)
		if err != nil {
			// Drop the failed turn so the next attempt is not sent twice.
			history = history[:len(history)-1]
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(c.Stderr, "Error: %v\n", err)
			continue
		}
		history = append(history, core.Message{Role: core.RoleAssistant, Content: resp.Content})
	}
}

// runTurn performs one generation and prints it, streaming when requested.
// Thinking, when present, is printed before the answer. Token usage goes to
// stderr.
func (c *CLI) runTurn(ctx context.Context, orch *orchestrator.Orchestrator, in orchestrator.Input, opts core.RequestOptions) (*core.LLMResponse, error) {
	if !opts.Stream {
		resp, err := orch.Generate(ctx, in, opts)
		if err != nil {
			return nil, err
		}
		if opts.ShowThinking && resp.Thinking != nil && *resp.Thinking != "" {
			fmt.Fprintf(c.Stdout, "Thinking:\n%s\n\nResponse:\n", *resp.Thinking)
		}
		fmt.Fprintln(c.Stdout, resp.Content)
		c.printTokens(resp.Usage)
		return resp, nil
	}

	stream, err := orch.GenerateStream(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		content  strings.Builder
		thinking bool
		tokens   *core.Usage
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintln(c.Stdout)
			return nil, err
		}
		if ev.Thinking != "" && opts.ShowThinking {
			if !thinking {
				fmt.Fprint(c.Stdout, "Thinking:\n")
				thinking = true
			}
			fmt.Fprint(c.Stdout, ev.Thinking)
		}
		if ev.Content != "" {
			if thinking {
				fmt.Fprint(c.Stdout, "\n\nResponse:\n")
				thinking = false
			}
			content.WriteString(ev.Content)
			fmt.Fprint(c.Stdout, ev.Content)
		}
		if ev.IsTerminal {
			tokens, _ = core.UsageFromMap(ev.Metadata[core.UsageMetadataKey])
		}
	}
	fmt.Fprintln(c.Stdout)
	c.printTokens(tokens)

	return &core.LLMResponse{
		Content:   content.String(),
		Provider:  stream.Provider,
		Model:     stream.Model,
		Usage:     tokens,
		RequestID: stream.RequestID,
		CreatedAt: stream.CreatedAt,
	}, nil
}

func (c *CLI) printTokens(u *core.Usage) {
	if u == nil {
		return
	}
	fmt.Fprintf(c.Stderr, "Tokens: %d + %d = %d\n", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}

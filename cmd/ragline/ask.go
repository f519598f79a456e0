package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ragline/internal/config"
	"ragline/internal/controller"
	"ragline/internal/domain"
	"ragline/internal/history"
	"ragline/internal/ingest"
	"ragline/internal/preset"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func askCmd() *cobra.Command {
	var stream bool
	var presetName string
	var model string
	var searchType string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()
			reconfigureLogger(cfg)

			question := strings.Join(args, " ")
			opts := domain.QueryOptions{
				Model:      model,
				SearchKind: domain.SearchKind(cfg.Backend.SearchType),
			}
			if searchType != "" {
				opts.SearchKind = domain.SearchKind(searchType)
			}

			name := presetName
			if name == "" {
				name = cfg.General.DefaultPreset
			}
			if name != "" {
				p, ok := buildPresets(cfg).Get(name)
				if !ok {
					return fmt.Errorf("unknown preset %q (see 'ragline presets')", name)
				}
				question, opts = preset.Apply(p, question, opts)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if stream {
				return askStreaming(ctx, cfg, question, opts)
			}
			return askOnce(ctx, cfg, question, opts)
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "print the answer as it is generated")
	cmd.Flags().StringVarP(&presetName, "preset", "p", "", "query preset to apply")
	cmd.Flags().StringVarP(&model, "model", "m", "", "override the backend model")
	cmd.Flags().StringVar(&searchType, "search", "", "retrieval strategy: vector, graph, or hybrid")
	return cmd
}

func askOnce(ctx context.Context, cfg *config.Config, question string, opts domain.QueryOptions) error {
	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	resp, err := backend.Query(ctx, domain.QueryRequest{
		ConversationID: uuid.NewString(),
		Message:        question,
		UserID:         cfg.General.UserID,
		Options:        opts,
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	fmt.Println(resp.Message)
	if len(resp.Sources) > 0 {
		fmt.Println()
		for i, src := range resp.Sources {
			fmt.Printf("[%d] %s (%.2f)\n", i+1, src.Source, src.Score)
		}
	}
	return nil
}

// askStreaming drives the same session controller the TUI uses, with a
// publish hook that prints text fragments as they arrive.
func askStreaming(ctx context.Context, cfg *config.Config, question string, opts domain.QueryOptions) error {
	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	done := make(chan controller.Update, 1)
	ctrl := controller.New(controller.Config{
		Streamer: backend,
		History:  backend,
		UserID:   cfg.General.UserID,
		Logger:   logger,
		Publish: func(u controller.Update) {
			if u.Delta != nil && u.Delta.Kind == domain.DeltaText {
				fmt.Print(u.Delta.Text)
			}
			if u.State.Terminal() {
				select {
				case done <- u:
				default:
				}
			}
		},
	})

	// Fresh id: the backend has no transcript for it, which the
	// controller tolerates.
	if err := ctrl.SelectConversation(ctx, uuid.NewString()); err != nil {
		return err
	}
	if err := ctrl.SendQuery(ctx, question, opts); err != nil {
		return err
	}

	select {
	case u := <-done:
		fmt.Println()
		if u.State == domain.StateFailed {
			if u.Err != nil {
				return fmt.Errorf("query failed: %w", u.Err)
			}
			return errors.New("query failed")
		}
		return nil
	case <-ctx.Done():
		ctrl.Cancel()
		fmt.Println()
		return ctx.Err()
	}
}

func searchCmd() *cobra.Command {
	var limit int
	var kind string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the document corpus without asking a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()
			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}

			k := domain.SearchKind(cfg.Backend.SearchType)
			if kind != "" {
				k = domain.SearchKind(kind)
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout())
			defer cancel()
			res, err := backend.Search(ctx, domain.SearchRequest{
				Query: strings.Join(args, " "),
				Kind:  k,
				Limit: limit,
			})
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if len(res.Results) == 0 {
				fmt.Println("No results.")
				return nil
			}
			fmt.Printf("%d results (%s, %.0fms)\n\n", res.Total, res.Kind, res.QueryTimeMs)
			for i, r := range res.Results {
				fmt.Printf("%2d. %.2f  %s\n", i+1, r.Score, r.Source)
				fmt.Printf("    %s\n", excerptLine(r.Content, 120))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	cmd.Flags().StringVar(&kind, "kind", "", "retrieval strategy: vector, graph, or hybrid")
	return cmd
}

// excerptLine flattens content to a single line capped at max runes.
func excerptLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file|url]...",
		Short: "Upload documents or rendered web pages to the backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()
			reconfigureLogger(cfg)

			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}
			store := openStore(cfg)
			if store != nil {
				defer store.Close()
			}

			var renderer ingest.PageRenderer
			if cfg.Ingest.Enabled {
				renderer = ingest.NewRenderer(ingest.RendererConfig{
					Timeout: time.Duration(cfg.Ingest.RenderTimeoutSeconds) * time.Second,
					Logger:  logger,
				})
			}

			ing := ingest.New(ingest.Config{
				Uploader:     backend,
				Renderer:     renderer,
				Receipts:     receiptStore(store),
				MaxFileBytes: cfg.Ingest.MaxFileMB * 1024 * 1024,
				Logger:       logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results := ing.Run(ctx, args)
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Printf("FAIL  %s: %v\n", res.Source, res.Err)
					continue
				}
				fmt.Printf("OK    %s → %s (%d chunks, %s)\n",
					res.Source, res.DocumentID, res.Chunks, humanSize(res.Size))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(results))
			}
			return nil
		},
	}
}

// receiptStore adapts a possibly-nil store to the ingest receipt sink.
func receiptStore(store *history.Store) ingest.ReceiptStore {
	if store == nil {
		return nil
	}
	return store
}

func historyCmd() *cobra.Command {
	var limit int
	var uploads bool

	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List cached conversations, or show one transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()
			if !cfg.Cache.Enabled {
				return fmt.Errorf("cache is disabled (cache.enabled=false); nothing stored locally")
			}
			store, err := history.Open(cfg.Cache.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if uploads {
				return printUploads(ctx, store, limit)
			}
			if len(args) == 1 {
				return printConversation(ctx, store, args[0])
			}
			return printConversations(ctx, store, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	cmd.Flags().BoolVar(&uploads, "uploads", false, "list ingest receipts instead of conversations")
	return cmd
}

func printConversations(ctx context.Context, store *history.Store, limit int) error {
	convs, err := store.Conversations(ctx, limit)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations cached.")
		return nil
	}
	fmt.Printf("%-36s  %-9s  %-16s  %s\n", "ID", "CHANNEL", "UPDATED", "TITLE")
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-36s  %-9s  %-16s  %s\n",
			c.ID, c.Channel, c.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	return nil
}

func printConversation(ctx context.Context, store *history.Store, id string) error {
	conv, err := store.Conversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not cached", id)
	}
	msgs, err := store.Messages(ctx, id, 0)
	if err != nil {
		return err
	}
	fmt.Printf("%s — %s/%s, %d messages\n\n", conv.Title, conv.Channel, conv.ChatID, len(msgs))
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Printf("  · used %s\n", tc.Name)
		}
	}
	return nil
}

func printUploads(ctx context.Context, store *history.Store, limit int) error {
	ups, err := store.Uploads(ctx, limit)
	if err != nil {
		return err
	}
	if len(ups) == 0 {
		fmt.Println("No uploads recorded.")
		return nil
	}
	for _, u := range ups {
		fmt.Printf("%s  %-30s  %6d chunks  %8s  %s\n",
			u.CreatedAt.Local().Format("2006-01-02 15:04"), u.Filename, u.Chunks,
			humanSize(u.Size), u.DocumentID)
	}
	return nil
}

func presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List available query presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()
			reg := buildPresets(cfg)
			for _, p := range reg.List() {
				marker := " "
				if p.Name == cfg.General.DefaultPreset {
					marker = "*"
				}
				desc := p.Description
				if desc == "" {
					desc = "(no description)"
				}
				fmt.Printf("%s %-12s %s\n", marker, p.Name, desc)
			}
			return nil
		},
	}
}

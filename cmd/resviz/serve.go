package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/resviz/resviz/pkg/agents"
	"github.com/resviz/resviz/pkg/llm"
	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/presenter"
	"github.com/resviz/resviz/pkg/project"
	"github.com/resviz/resviz/pkg/prompts"
	"github.com/resviz/resviz/pkg/retry"
	"github.com/resviz/resviz/pkg/server"
	"github.com/resviz/resviz/pkg/telemetry"
	"github.com/resviz/resviz/pkg/tree"
	"github.com/resviz/resviz/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the research planning backend server",
	Long: `Start the HTTP/SSE server. Agents stream their work over
/agents/messages; the research tree and projects are managed over their
respective routes. Configuration comes from config.yaml and RESVIZ_*
environment variables.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Port to bind to (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		viper.Set("server.host", host)
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		viper.Set("server.port", port)
	}

	apiKey := viper.GetString("llm.api_key")
	if apiKey == "" {
		return errors.New("llm.api_key is required (set RESVIZ_LLM_API_KEY or llm.api_key in config.yaml)")
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        viper.GetBool("tracing.enabled"),
		ServiceName:    "resviz",
		ServiceVersion: version.Get().Version,
		SamplerType:    viper.GetString("tracing.sampler"),
		SamplerRatio:   viper.GetFloat64("tracing.ratio"),
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize tracing")
	}
	defer shutdownTracer(context.Background())

	log := messages.NewManager()
	treeStore := tree.NewStore()

	publish := func(patch *messages.Patch) (string, error) {
		return log.PublishPatch(ctx, patch)
	}
	resolver := func(id string) (*messages.SnapshotObject, bool) {
		snapshot, err := treeStore.GetSnapshot(id)
		if err != nil {
			return nil, false
		}
		return &messages.SnapshotObject{
			ID:        snapshot.ID,
			CreatedAt: snapshot.CreatedAt,
			Data:      snapshot,
			Summary:   snapshot.Summary(),
		}, true
	}
	log.SetSnapshotResolver(resolver)
	log.SetDatabaseStatus(treeStore.Status)

	llmClient, err := llm.NewClient(llm.Config{
		Provider:      viper.GetString("llm.provider"),
		APIKey:        apiKey,
		BaseURL:       viper.GetString("llm.base_url"),
		ReasonerModel: viper.GetString("llm.reasoner_model"),
		ChatModel:     viper.GetString("llm.chat_model"),
		MaxTokens:     viper.GetInt("llm.max_tokens"),
		Temperature:   float32(viper.GetFloat64("llm.temperature")),
		UseReasoner:   viper.GetBool("llm.use_reasoner"),
	}, publish)
	if err != nil {
		return errors.Wrap(err, "failed to create llm client")
	}

	retrier := retry.New(retry.Config{
		Attempts:  uint(viper.GetInt("retry.attempts")),
		BaseDelay: viper.GetDuration("retry.base_delay"),
		MaxDelay:  viper.GetDuration("retry.max_delay"),
	}, publish)

	renderer := prompts.NewRenderer(viper.GetStringSlice("prompts.override_dirs")...)
	if viper.GetBool("prompts.watch") {
		go func() {
			if err := renderer.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.G(ctx).WithError(err).Warn("prompt watcher exited")
			}
		}()
	}

	agentDeps := agents.Deps{
		Publish:         publish,
		Store:           treeStore,
		VisibleMessages: log.GetVisibleMessages,
		LLM:             llmClient,
		Retry:           retrier,
		Renderer:        renderer,
	}
	log.RegisterAgent(agents.NewAutoResearchAgent(agentDeps))
	log.RegisterAgent(agents.NewUserChatAgent(agentDeps))

	store, err := buildProjectStore(ctx)
	if err != nil {
		return err
	}
	projects := project.NewManager(store, treeStore, log)
	if err := projects.RestoreLatest(ctx); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to restore latest project")
	}

	srv, err := server.NewServer(&server.ServerConfig{
		Host: viper.GetString("server.host"),
		Port: viper.GetInt("server.port"),
	}, server.Deps{
		Messages: log,
		Tree:     treeStore,
		Projects: projects,
		Resolver: resolver,
	})
	if err != nil {
		return err
	}

	presenter.Success(fmt.Sprintf("resviz backend listening on http://%s:%d",
		viper.GetString("server.host"), viper.GetInt("server.port")))
	presenter.Info("Press Ctrl+C to stop the server")
	return srv.Start(ctx)
}

func buildProjectStore(ctx context.Context) (project.Store, error) {
	storeType := viper.GetString("store.type")
	switch storeType {
	case "sqlite":
		return project.NewSQLiteStore(ctx, viper.GetString("store.db_path"))
	case "json", "":
		return project.NewJSONStore(viper.GetString("store.base_path"))
	default:
		return nil, errors.Errorf("unknown store type: %s", storeType)
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hermesdev0131/scene-weaver/config"
	"github.com/hermesdev0131/scene-weaver/keys"
	"github.com/hermesdev0131/scene-weaver/pipeline"
	"github.com/hermesdev0131/scene-weaver/remote"
	"github.com/hermesdev0131/scene-weaver/store"
	"github.com/hermesdev0131/scene-weaver/types"
)

func main() {
	// Load .env for local runs; deployed environments inject real env vars.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		scriptPath = flag.String("script", "", "path to the narrative script")
		style      = flag.String("style", "cinematic, photorealistic, natural light", "locked visual style")
		duration   = flag.Float64("duration", 0, "target scene duration in seconds (0 = config default)")
		resumeID   = flag.String("resume", "", "project id to resume from its snapshot")
		regenScene = flag.Int("regen", -1, "with -resume: regenerate a single scene and exit")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatal("load config", zap.Error(err))
		}
		cfg = config.Default()
	}

	db, err := store.Open(cfg.Paths.Database)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer db.Close()

	freeKeys, paidKey := loadCredentials(db, logger)
	rotator := keys.New(freeKeys, paidKey,
		cfg.Limiter.PerKeyPerMinute, cfg.Limiter.MaxPerMinute, cfg.Limiter.MaxCooldownSec, logger)

	svc := remote.NewGeminiClient(cfg.Remote.Model, rotator, logger)
	defer svc.Close()

	ctx := context.Background()

	if *resumeID != "" {
		resume(ctx, cfg, svc, rotator, db, *resumeID, *regenScene, logger)
		return
	}

	if *scriptPath == "" {
		logger.Fatal("no script given (use -script or -resume)")
	}
	scriptBytes, err := os.ReadFile(*scriptPath)
	if err != nil {
		logger.Fatal("read script", zap.Error(err))
	}

	projectID := uuid.NewString()[:8]
	runDir := filepath.Join(cfg.Paths.Output, projectID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		logger.Fatal("create run dir", zap.Error(err))
	}
	logger.Info("starting run",
		zap.String("project", projectID),
		zap.String("output", runDir),
	)

	var orch *pipeline.Orchestrator
	orch = pipeline.New(cfg, svc, rotator, db, projectID,
		func(analysis *types.StoryAnalysis) {
			// Headless runs approve the extracted identities as-is. An
			// interactive front end would present them for editing here.
			logger.Info("identities extracted, auto-approving",
				zap.Int("characters", len(analysis.Characters)),
				zap.String("era", analysis.Era),
			)
			orch.Approve(pipeline.Approval{Approved: true})
		},
		func(prompts []types.FullScenePrompt) {
			logger.Info("progress", zap.Int("scenes_done", len(prompts)))
		},
		logger,
	)

	analysis, prompts, err := orch.Run(ctx, string(scriptBytes), *style, *duration)
	if err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}

	saveJSON(logger, filepath.Join(runDir, "analysis.json"), analysis)
	saveJSON(logger, filepath.Join(runDir, "prompts.json"), prompts)
	saveJSON(logger, filepath.Join(runDir, "pipeline_state.json"), orch.State())
	logger.Info("done",
		zap.Int("scenes", len(prompts)),
		zap.String("prompts", filepath.Join(runDir, "prompts.json")),
	)
}

func resume(ctx context.Context, cfg *config.Config, svc remote.Service, rotator *keys.Rotator, db *store.Manager, projectID string, regenScene int, logger *zap.Logger) {
	snap, err := db.LoadSnapshot(projectID)
	if err != nil {
		logger.Fatal("load snapshot", zap.Error(err))
	}
	if snap == nil {
		logger.Fatal("no snapshot for project", zap.String("project", projectID))
	}

	orch := pipeline.New(cfg, svc, rotator, db, projectID, nil, func(prompts []types.FullScenePrompt) {
		logger.Info("progress", zap.Int("scenes_done", len(prompts)))
	}, logger)

	if regenScene >= 0 {
		prompt, err := orch.RegenerateScene(ctx, snap, regenScene)
		if err != nil {
			logger.Fatal("regenerate scene", zap.Error(err))
		}
		logger.Info("scene regenerated",
			zap.Int("scene", regenScene),
			zap.String("summary", prompt.ActionSummary),
		)
		return
	}

	_, prompts, err := orch.ContinueFromProgress(ctx, snap)
	if err != nil {
		logger.Fatal("resume failed", zap.Error(err))
	}
	logger.Info("resume complete", zap.Int("scenes", len(prompts)))
}

// loadCredentials prefers env vars (comma-separated GEMINI_API_KEYS plus
// optional GEMINI_PAID_KEY) and falls back to the credential store.
func loadCredentials(db *store.Manager, logger *zap.Logger) ([]string, string) {
	var free []string
	for _, k := range strings.Split(os.Getenv("GEMINI_API_KEYS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			free = append(free, k)
		}
	}
	paid := strings.TrimSpace(os.Getenv("GEMINI_PAID_KEY"))

	if len(free) == 0 && paid == "" {
		stored, storedPaid, err := db.Credentials()
		if err != nil {
			logger.Fatal("load credentials", zap.Error(err))
		}
		free, paid = stored, storedPaid
	}
	if len(free) == 0 && paid == "" {
		logger.Fatal("no API credentials: set GEMINI_API_KEYS or add keys to the store")
	}
	return free, paid
}

func saveJSON(logger *zap.Logger, path string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Warn("could not marshal JSON", zap.String("path", path), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logger.Warn("could not save file", zap.String("path", path), zap.Error(err))
	}
}

package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/config"
	"github.com/chaos-io/bgstudio/history"
	"github.com/chaos-io/bgstudio/logger"
	"github.com/chaos-io/bgstudio/registry"
	"github.com/chaos-io/bgstudio/rembg"
	"github.com/chaos-io/bgstudio/selection"
)

// app 各命令共用的服务组件
type app struct {
	cfg      *config.Config
	store    *catalog.SQLiteStore
	registry *registry.Registry
	policy   *selection.Policy
	history  *history.Store
	logger   *slog.Logger
}

// openApp 打开目录数据库, 执行迁移和种子, 并构建 registry 与选择策略
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	l := logger.Default()

	store, err := catalog.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	store.WithLogger(l)

	seeds := []*catalog.Seed{catalog.DefaultSeed()}
	if cfg.Database.SeedFile != "" {
		seed, err := catalog.LoadSeedFile(cfg.Database.SeedFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	if err := store.ApplySeeds(ctx, cfg.Database.ForceSeeds, seeds...); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("apply seeds: %w", err)
	}

	reg := registry.New(store, registry.WithLogger(l))
	return &app{
		cfg:      cfg,
		store:    store,
		registry: reg,
		policy:   selection.NewPolicy(reg, selection.WithFallbackChain(cfg.Selection.FallbackChain), selection.WithLogger(l)),
		history:  history.NewStore(store.DB()),
		logger:   l,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) remover() *rembg.Router {
	fal := rembg.NewFalRemover(rembg.FalOptions{
		APIKey:          a.cfg.Fal.APIKey,
		LoraPath:        a.cfg.Fal.LoraPath,
		LoraScale:       a.cfg.Fal.LoraScale,
		Prompt:          a.cfg.Fal.Prompt,
		Timeout:         a.cfg.Fal.TimeoutD,
		BreakerFailures: a.cfg.Fal.BreakerFailures,
		BreakerCooldown: a.cfg.Fal.BreakerCooldownD,
	}, rembg.WithFalLogger(a.logger))

	comfy := rembg.NewComfyRemover(rembg.ComfyOptions{
		PollInterval: a.cfg.ComfyUI.PollIntervalD,
		Timeout:      a.cfg.ComfyUI.TimeoutD,
	}, rembg.WithComfyLogger(a.logger))

	return rembg.NewRouter().
		Handle(rembg.ProviderFal, fal).
		Handle(rembg.ProviderComfyUI, comfy)
}

func (a *app) processor() *rembg.Processor {
	return rembg.NewProcessor(a.policy, a.remover(),
		rembg.WithMaxFallbackHops(a.cfg.Selection.MaxFallbackHops),
		rembg.WithRecorder(a.history),
		rembg.WithCanvas(rembg.Canvas{Size: a.cfg.Output.CanvasSize, Margin: a.cfg.Output.Margin}),
		rembg.WithLogger(a.logger),
	)
}

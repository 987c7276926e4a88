package app

import (
	"context"

	"tokentrader/internal/config"
)

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config, opts builderOptions) *AppBuilder {
	return NewAppBuilder(cfg, opts...)
}

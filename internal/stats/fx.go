package stats

import (
	"github.com/quietlab/harvest/internal/stats/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("stats",
	fx.Provide(repository.Provide),
	fx.Provide(NewUpdater),
)

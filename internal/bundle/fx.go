package bundle

import (
	"github.com/quietlab/harvest/internal/bundle/codec"
	"github.com/quietlab/harvest/internal/bundle/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("bundle",
	fx.Provide(repository.Provide),
	fx.Provide(codec.New),
)

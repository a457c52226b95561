package plugin

import "go.uber.org/fx"

// Module provides the process-wide plugin registry. Site deployments register
// their generator plugins in an fx.Invoke of their own.
var Module = fx.Module("plugin",
	fx.Provide(NewRegistry),
)

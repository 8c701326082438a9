package mdns

import (
	"context"

	"go.uber.org/fx"
)

// Module provides a running *Conn built from a *Config and closes it when
// the application stops.
var Module = fx.Module("mdns",
	fx.Provide(ProvideConn),
)

// ModuleInput is what Module needs from the container.
type ModuleInput struct {
	fx.In
	LC     fx.Lifecycle
	Config *Config
}

// ProvideConn starts a Conn and ties its shutdown to the fx lifecycle.
func ProvideConn(in ModuleInput) (*Conn, error) {
	c, err := NewConn(in.Config)
	if err != nil {
		return nil, err
	}
	in.LC.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c, nil
}

/*
Package plugin is the SDK plugin services are written against.

A service is any value returned by a Factory registered in a Registry under
plugin:version.service. Lifecycle hooks are optional interfaces; the runtime
checks for each one and skips the hooks a service does not implement:

	type forecast struct{ city string }

	func (f *forecast) OnStart(ctx *plugin.Context, cfg map[string]any) error {
		f.city, _ = cfg["city"].(string)
		if err := ctx.RegisterRPC("/forecast", f.handle); err != nil {
			return err
		}
		return ctx.Jobs.Schedule("refresh", "@every 1m", f.refresh)
	}

	func (f *forecast) OnConfigValidate(cfg map[string]any) error {
		if _, ok := cfg["city"].(string); !ok {
			return errors.New("city must be a string")
		}
		return nil
	}

	registry.MustRegister("weather", "0.1.0", "forecast", func() any { return &forecast{} })

Hooks of one service instance never run concurrently. Background jobs start
from OnStart and are cancelled and awaited before OnStop.
*/
package plugin

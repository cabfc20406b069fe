package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/relaywave/gateway/config"
	"github.com/relaywave/gateway/internal/version"
)

// printStartupBanner prints the gateway's startup summary: version, build
// info, and the handful of settings an operator needs at a glance.
func printStartupBanner(cfg *config.Config) {
	info := version.Get()

	pterm.DefaultHeader.
		WithFullWidth().
		WithBackgroundStyle(pterm.NewStyle(pterm.BgCyan)).
		WithTextStyle(pterm.NewStyle(pterm.FgBlack)).
		Println("relaywave gateway")

	pterm.Info.Printfln("version:     %s (%s)", info.Version, info.Short())
	pterm.Info.Printfln("built:       %s", info.BuildTime)
	pterm.Info.Printfln("environment: %s", cfg.Environment)
	pterm.Info.Printfln("port:        %d", cfg.Port)
	pterm.Info.Printfln("redis:       %s", fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort))

	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}

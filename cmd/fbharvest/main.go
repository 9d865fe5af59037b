package main

import (
	"context"

	"flashback-datasets/cmd/fbharvest/commands"
	"flashback-datasets/lib/serviceutil"
	"flashback-datasets/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	telemetry.InitSlog(true)
	tel, err := telemetry.SetupFromEnv(ctx, "fbharvest")
	if err == nil {
		defer tel.Shutdown(context.Background())
	}
	telemetry.InstrumentPerfStats(ctx)

	commands.ExecuteContext(ctx)
}

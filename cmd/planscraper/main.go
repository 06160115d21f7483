package main

import (
	"context"

	"planscraper/cmd/planscraper/commands"
	"planscraper/lib/osutil"
)

func main() {
	ctx, cancel := osutil.SignalContext(context.Background())
	defer cancel()
	commands.ExecuteContext(ctx)
}

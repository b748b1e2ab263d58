package main

import (
	"context"
	"os"

	"github.com/custodia-labs/chartpull-cli/internal/cli"
	"github.com/custodia-labs/chartpull-cli/internal/supervisor"
)

func main() {
	ctx, stop := supervisor.Notify(context.Background())
	err := cli.Execute(ctx)
	stop()
	os.Exit(supervisor.ExitCodeFor(err))
}

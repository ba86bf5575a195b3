package main

import (
	"context"
	"os"

	"github.com/lazypower/tether/internal/cli"
	"github.com/lazypower/tether/internal/logging"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		logging.Default().Error("tether failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
)

func main() {
	app := mustBootstrapBTSAPI()
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bts-api stopped", "err", err)
		panic(err)
	}
}

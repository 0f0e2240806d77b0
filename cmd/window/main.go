package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/window/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	r := cli.NewRunner(os.Stdin, os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

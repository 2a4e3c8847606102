package main

import (
	"context"
	"fmt"
	"os"

	"github.com/noah-isme/appframe/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(nil).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

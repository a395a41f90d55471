package main

import (
	"context"
	"os"

	"github.com/cloudbackup/cloudbackup/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(context.Background(), os.Args[1:]))
}

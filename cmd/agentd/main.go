package main

import (
	"os"

	"agentd/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

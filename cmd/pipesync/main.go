package main

import "github.com/agentworkforce/pipesync/internal/cli"

func main() {
	cli.Execute()
}

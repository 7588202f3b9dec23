package main

import "megdan/cmd/internal/cli"

func main() {
	cli.Main()
}

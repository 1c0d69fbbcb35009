package main

import "github.com/capstan-dev/capstan/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/baleen37/memmem-sub003/cmd/memmem/cli"

func main() {
	cli.Execute()
}

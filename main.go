package main

import (
	"github.com/chaos-io/bgstudio/cli"
)

func main() {
	cli.Execute()
}

package main

import "github.com/tickwise/quotagate/internal/cli"

func main() {
	cli.Execute()
}

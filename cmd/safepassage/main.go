package main

import "liquidity-oracle/internal/cli"

func main() {
	cli.Execute()
}

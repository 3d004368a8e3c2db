package main

import "skinmarket-ingest/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/agentic-research/dupe/cmd"

func main() {
	cmd.Execute()
}

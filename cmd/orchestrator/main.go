package main

import "github.com/raphaeltm/simple-agent-manager-sub001/services/orchestrator/cli"

func main() {
	cli.Execute()
}

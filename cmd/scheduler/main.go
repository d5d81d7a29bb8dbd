package main

import "github.com/raphaeltm/simple-agent-manager-sub001/services/scheduler/cli"

func main() {
	cli.Execute()
}

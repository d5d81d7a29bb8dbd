package main

import "github.com/raphaeltm/simple-agent-manager-sub001/services/api-gateway/cli"

func main() {
	cli.Execute()
}

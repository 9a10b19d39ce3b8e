package main

import "BrowserAgent/client/agent-cli/cmd"

func main() {
	cmd.Execute()
}

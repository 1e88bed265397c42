// Command meshctl is the CLI client for the meshd control plane.
package main

import "github.com/lumenmesh/meshproto/cmd/meshctl/commands"

func main() {
	commands.Execute()
}

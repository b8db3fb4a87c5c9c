package main

import "snapr-harvest/cmd/snapr/commands"

func main() {
	commands.Execute()
}

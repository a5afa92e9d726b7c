package main

import "lotbot/cmd"

func main() {
	cmd.Execute()
}

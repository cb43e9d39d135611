package main

import "github.com/nibot-ai/nibot/cmd"

func main() {
	cmd.Execute()
}

package main

import "chat-client/internal/cmd"

func main() {
	cmd.Execute()
}

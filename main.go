package main

import "github.com/backlinehq/backline/cmd"

func main() {
	cmd.Execute()
}

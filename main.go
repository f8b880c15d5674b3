package main

import "github.com/drostlabs/drost/cmd"

func main() {
	cmd.Execute()
}

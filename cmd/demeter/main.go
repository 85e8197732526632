package main

import "github.com/demeter-mobility/demeter/cmd/demeter/cmd"

func main() {
	cmd.Execute()
}

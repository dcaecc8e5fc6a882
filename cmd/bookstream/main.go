package main

import "github.com/javi11/bookstream/cmd/bookstream/cmd"

func main() {
	cmd.Execute()
}

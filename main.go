package main

import "skylark/cmd"

func main() {
	cmd.Execute()
}

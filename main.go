package main

import "github.com/nextlevelbuilder/goconcierge/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/nextlevelbuilder/collabd/cmd"

func main() {
	cmd.Execute()
}

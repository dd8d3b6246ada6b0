package main

import "github.com/soulwax/Shimizu-GPT-3/cmd"

func main() {
	cmd.Execute()
}

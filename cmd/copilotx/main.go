package main

import (
	"os"

	"github.com/Polly2014/CopilotX/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

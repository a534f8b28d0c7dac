package main

import (
	"fmt"
	"os"

	"github.com/updatenode/updatenode/client/cmd"
)

func main() {
	err := cmd.Execute()
	if msg := cmd.ErrorMessage(err); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(cmd.ExitCode(err))
}

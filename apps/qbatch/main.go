package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/quatton/qbatch/apps/qbatch/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "qbatch crashed: %v\n", r)
			if os.Getenv("QBATCH_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"example.com/healthsync/internal/cli"
)

func main() {
	_ = godotenv.Load()
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "healthctl:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/fuomag9/serverlord/internal/cli"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

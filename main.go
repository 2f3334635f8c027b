package main

import (
	"fmt"
	"os"

	"bgbyebye/internal/cli"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env failed: %v\n", err)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "stat .env failed: %v\n", err)
	}

	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

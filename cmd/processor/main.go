package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("processor error: %v\n", err)
		os.Exit(1)
	}
}

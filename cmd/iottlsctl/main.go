package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "iottlsctl:", err)
		os.Exit(1)
	}
}

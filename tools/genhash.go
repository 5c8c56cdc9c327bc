package main

import (
	"fmt"
	"os"

	"calltimer/internal/auth"
)

// Prints the bcrypt hash to put in ADMIN_PASSWORD_HASH.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: go run ./tools/genhash.go <password>")
		os.Exit(1)
	}
	h, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(h)
}

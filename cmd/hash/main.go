// Package main prints a bcrypt hash for a user password. It is used when seeding
// users.password_hash by hand, for example an OrgAdmin account in a fresh database,
// without going through /auth/register.
//
// Usage: hash <password>
package main

import (
	"fmt"
	"os"

	"github.com/laasy/corptravel/internal/auth"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hash <password>")
		os.Exit(2)
	}
	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// Package main is a development utility that prints fresh values for the two
// server secrets: ENCRYPTION_KEY, which seals API secrets at rest, and
// LAASY_JWT_SECRET, which signs user access tokens. Both are 32 random bytes,
// hex encoded.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
)

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Fatal(err)
	}
	return hex.EncodeToString(b)
}

func main() {
	fmt.Println("==========================================================")
	fmt.Println("Server secrets generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nENCRYPTION_KEY=%s\n", randomHex(32))
	fmt.Printf("LAASY_JWT_SECRET=%s\n", randomHex(32))
	fmt.Println("\nChanging ENCRYPTION_KEY makes existing API secrets unreadable;")
	fmt.Println("every key would have to be regenerated.")
	fmt.Println("==========================================================")
}

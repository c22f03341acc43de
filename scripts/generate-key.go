// Package main is a development utility that generates the secrets a fresh
// deployment needs: the ENCRYPTION_KEY that seals cluster API keys, the session
// signing secret and the cron shared secret. Given a cluster API key as an
// argument it also prints the sealed value, ready for seeding the clusters table
// by hand. Rotate generated values through the secret store in production.
//
// Usage:
//
//	go run ./scripts/generate-key.go [cluster-api-key]
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/mlplatform/console-backend/internal/crypto"
)

func main() {
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		log.Fatal(err)
	}

	sessionSecret, err := crypto.RandomToken(48)
	if err != nil {
		log.Fatal(err)
	}
	cronSecret, err := crypto.RandomToken(32)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Console secrets generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nENCRYPTION_KEY=%s\n", hex.EncodeToString(masterKey))
	fmt.Printf("MLP_AUTH_SESSION_SECRET=%s\n", sessionSecret)
	fmt.Printf("MLP_CRON_SECRET=%s\n", cronSecret)

	if len(os.Args) < 2 || os.Args[1] == "" {
		fmt.Println("\n==========================================================")
		return
	}

	cipher, err := crypto.NewTokenCipher(masterKey)
	if err != nil {
		log.Fatal(err)
	}
	sealed, err := cipher.Seal(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("\n==========================================================")
	fmt.Println("Sealed cluster API key (valid only with the key above):")
	fmt.Println("==========================================================")
	fmt.Printf(`
UPDATE clusters
SET api_key_encrypted = '%s'
WHERE name = '<cluster-name>';
`, sealed)
	fmt.Println("\n==========================================================")
}

package main

import (
	"fmt"
	"os"

	"github.com/rdsconnect/screen-server/internal/util"
)

func main() {
	token, err := util.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("token: %s\n", token)
	fmt.Printf("hash:  %s\n", util.HashToken(token))
	fmt.Println()
	fmt.Println("Store the hash in accounts.api_token_hash and hand the token to the account owner.")
}

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/uhyunpark/custodex/pkg/chain"
)

func main() {
	n := flag.Int("n", 1, "number of keypairs to generate")
	env := flag.Bool("env", false, "print CHAIN_CUSTODY_KEY / CHAIN_DEPOSIT_KEYS lines")
	flag.Parse()

	if *n < 1 {
		fmt.Println("Error: -n must be at least 1")
		os.Exit(1)
	}

	keys := make([]string, 0, *n)
	for i := 0; i < *n; i++ {
		signer, err := chain.GenerateKey()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		keys = append(keys, signer.PrivateKeyHex())
		if !*env {
			fmt.Printf("Address: %s\n", signer.Address().Hex())
			fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())
		}
	}

	if *env {
		// first key signs withdrawals, the rest are deposit wallets
		fmt.Printf("CHAIN_CUSTODY_KEY=%s\n", keys[0])
		if len(keys) > 1 {
			fmt.Printf("CHAIN_DEPOSIT_KEYS=%s\n", strings.Join(keys[1:], ","))
		}
	}
}

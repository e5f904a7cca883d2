// Command keygen creates a secp256k1 key pair for the server signing
// identity or for registering a user key.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/punchamoorthee/paysettle/internal/keys"
)

var opts = struct {
	Algorithm uint8 `short:"a" long:"algorithm" default:"1" description:"PKI algorithm: 1 for ECDSA, 2 for Schnorr"`
	Env       bool  `long:"env" description:"Print as SERVER_* environment assignments"`
}{}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	alg := keys.Algorithm(opts.Algorithm)
	kp, err := keys.GenerateKeyPair(alg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}

	priv := keys.EncodePrivateKey(kp.Private)
	pub := keys.EncodePublicKey(kp.PublicKey())
	if opts.Env {
		fmt.Printf("SERVER_PKI_ALGORITHM=%d\n", opts.Algorithm)
		fmt.Printf("SERVER_PRIVATE_KEY=%s\n", priv)
		fmt.Printf("# public key: %s\n", pub)
		return
	}
	fmt.Println("algorithm:  ", alg)
	fmt.Println("private key:", priv)
	fmt.Println("public key: ", pub)
}

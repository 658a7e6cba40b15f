// Command mint-token issues a short-lived service token for calling the
// gateway's upload-completion callback (or the ingest job status API) from
// the file-storage subsystem or a shell.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"scribeai/internal/servicetoken"
)

func main() {
	keyPath := flag.String("key", os.Getenv("SCRIBE_UPLOAD_JWT_PRIVATE_KEY_PATH"), "path to the RSA private key (PEM)")
	keyID := flag.String("kid", servicetoken.DefaultKeyID, "key id placed in the token header")
	issuer := flag.String("issuer", "scribe-uploader", "token issuer; must be in the receiver's allowlist")
	audience := flag.String("audience", "scribe-gateway", "receiving service")
	ttl := flag.Duration("ttl", servicetoken.DefaultTokenTTL, "token lifetime")
	flag.Parse()

	if *keyPath == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -key <private.pem> [-issuer name] [-audience scribe-gateway|scribe-ingest]\n", os.Args[0])
		os.Exit(2)
	}
	if *ttl > 10*time.Minute {
		exitErr(fmt.Errorf("ttl %s too long; service tokens are meant to be short-lived", *ttl))
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: *keyPath,
		KeyID:          *keyID,
		Issuer:         *issuer,
		TTL:            *ttl,
	})
	if err != nil {
		exitErr(err)
	}
	token, err := signer.Sign(*audience)
	if err != nil {
		exitErr(err)
	}
	fmt.Println(token)
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "mint-token: %v\n", err)
	os.Exit(1)
}

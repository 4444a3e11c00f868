// Command keytool manages operator keys and signs API requests.
//
//	keytool encrypt -key <hex> -password <pw> -out key.json
//	keytool address -file key.json -password <pw>
//	keytool sign -key <hex> -method POST -path /api/orders/ask -body '{"...":1}'
//
// sign prints the four authentication headers, ready for curl -H.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alanyoungcy/optionbook/internal/crypto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "encrypt":
		err = encrypt(os.Args[2:])
	case "address":
		err = address(os.Args[2:])
	case "sign":
		err = sign(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "keytool: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keytool encrypt|address|sign [flags]")
	os.Exit(2)
}

func encrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	key := fs.String("key", os.Getenv("OPTIONBOOK_CUSTODY_PRIVATE_KEY"), "hex private key")
	password := fs.String("password", os.Getenv("OPTIONBOOK_CUSTODY_KEY_PASSWORD"), "encryption password")
	out := fs.String("out", "operator-key.json", "output file")
	_ = fs.Parse(args)

	data, err := crypto.EncryptKey(*key, *password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}

func address(args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	file := fs.String("file", "operator-key.json", "encrypted key file")
	password := fs.String("password", os.Getenv("OPTIONBOOK_CUSTODY_KEY_PASSWORD"), "encryption password")
	_ = fs.Parse(args)

	s, err := crypto.LoadSigner(crypto.KeyConfig{EncryptedKeyPath: *file, KeyPassword: *password})
	if err != nil {
		return err
	}
	fmt.Println(s.Address().Hex())
	return nil
}

func sign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	key := fs.String("key", os.Getenv("OPTIONBOOK_CLIENT_KEY"), "hex private key of the caller")
	method := fs.String("method", "POST", "HTTP method")
	path := fs.String("path", "", "request path, e.g. /api/orders/ask")
	body := fs.String("body", "", "exact request body")
	_ = fs.Parse(args)

	if *path == "" {
		return fmt.Errorf("sign: -path is required")
	}
	s, err := crypto.NewSigner(*key)
	if err != nil {
		return err
	}
	ts := time.Now().Unix()
	nonce := crypto.NewNonce()
	sig, err := s.SignRequest(*method, *path, ts, nonce, []byte(*body))
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n%s: %d\n%s: %s\n%s: %s\n",
		crypto.HeaderAddress, s.Address().Hex(),
		crypto.HeaderTimestamp, ts,
		crypto.HeaderNonce, nonce,
		crypto.HeaderSignature, sig)
	return nil
}

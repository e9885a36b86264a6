package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"nhbescrow/cmd/internal/passphrase"
	"nhbescrow/config"
	"nhbescrow/crypto"
	"nhbescrow/rpc"
)

const keystorePassEnv = "ESCROW_KEYSTORE_PASS"

var keystorePassphrase = func() (string, error) {
	return passphrase.NewSource(keystorePassEnv, "Enter keystore passphrase: ").Get()
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var out string
	fs.StringVar(&out, "out", "escrow-key.json", "keystore file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if _, err := os.Stat(out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", out))
	}
	pass, err := keystorePassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, fmt.Sprintf("write keystore: %v", err))
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", key.PubKey().Address().String(), out)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		secret   string
		caller   string
		keystore string
		ttl      time.Duration
	)
	fs.StringVar(&secret, "secret", os.Getenv(config.EnvRPCSecret), "HS256 secret shared with escrowd")
	fs.StringVar(&caller, "caller", "", "caller address the token asserts")
	fs.StringVar(&keystore, "keystore", "", "derive the caller from this keystore instead of -caller")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(secret) == "" {
		return printError(stderr, fmt.Sprintf("--secret is required (or set %s)", config.EnvRPCSecret))
	}
	var identity [20]byte
	switch {
	case keystore != "" && caller != "":
		return printError(stderr, "use either --caller or --keystore")
	case keystore != "":
		pass, err := keystorePassphrase()
		if err != nil {
			return printError(stderr, err.Error())
		}
		key, err := crypto.LoadFromKeystore(keystore, pass)
		if err != nil {
			return printError(stderr, fmt.Sprintf("load keystore: %v", err))
		}
		identity = key.PubKey().Address().Bytes()
	default:
		if err := validateAddress("--caller", caller); err != nil {
			return printError(stderr, err.Error())
		}
		identity, _ = crypto.ParseIdentity(caller)
	}
	token, err := rpc.NewCallerToken(secret, identity, ttl)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

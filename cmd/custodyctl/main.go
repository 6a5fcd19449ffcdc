// Command custodyctl provisions custodial wallets for settlementd.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"coopledger/cmd/internal/secret"
	"coopledger/services/settlementd/custody"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

const usage = `usage: custodyctl <command> [flags]

commands:
  create   generate a new key for a principal and store it sealed
  import   seal an existing hex private key for a principal
  show     print the address of a stored principal
  master   print a fresh random master key
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "custodyctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("command required")
	}
	if args[0] == "master" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(buf))
		return nil
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	driver := fs.String("driver", "postgres", "database driver (postgres or sqlite)")
	dsnEnv := fs.String("dsn-env", "SETTLEMENTD_DSN", "environment variable holding the database DSN")
	masterEnv := fs.String("master-key-env", "SETTLEMENTD_MASTER_KEY", "environment variable holding the hex master key")
	principal := fs.String("principal", "", "wallet principal, e.g. user:42 or service:minter")
	keyEnv := fs.String("key-env", "CUSTODYCTL_PRIVATE_KEY", "environment variable holding the key to import")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if !validPrincipal(*principal) {
		return fmt.Errorf("-principal must look like user:<id> or service:<name>")
	}

	dsn, err := secret.NewSource(*dsnEnv, "database DSN").Get()
	if err != nil {
		return err
	}
	st, err := store.Open(*driver, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "show":
		wallet, err := st.GetWallet(ctx, *principal)
		if err != nil {
			return err
		}
		fmt.Println(wallet.Address)
		return nil
	case "create", "import":
		rawMaster, err := secret.NewSource(*masterEnv, "custody master key").Get()
		if err != nil {
			return err
		}
		masterKey, err := custody.ParseMasterKey(rawMaster)
		if err != nil {
			return err
		}
		var wallet *models.Wallet
		if args[0] == "create" {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			wallet, err = custody.NewWallet(masterKey, *principal, key)
			if err != nil {
				return err
			}
		} else {
			hexKey, err := secret.NewSource(*keyEnv, "private key (hex)").Get()
			if err != nil {
				return err
			}
			key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
			if err != nil {
				return fmt.Errorf("parse private key: %w", err)
			}
			wallet, err = custody.NewWallet(masterKey, *principal, key)
			if err != nil {
				return err
			}
		}
		if err := st.CreateWallet(ctx, wallet); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", wallet.Principal, wallet.Address)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func validPrincipal(p string) bool {
	for _, prefix := range []string{"user:", "service:"} {
		if rest, ok := strings.CutPrefix(p, prefix); ok && strings.TrimSpace(rest) != "" {
			return true
		}
	}
	return false
}

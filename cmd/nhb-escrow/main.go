package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	rpcURLEnv   = "ESCROW_RPC_URL"
	rpcTokenEnv = "ESCROW_RPC_TOKEN"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = strings.TrimSpace(os.Getenv(rpcTokenEnv))
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "fund":
		return runEscrowFund(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "custody":
		return runEscrowCustody(args[1:], stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	case "party":
		return runEscrowParty(args[1:], stdout, stderr)
	case "watch":
		return runWatch(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(rpcURLEnv)); v != "" {
		return v
	}
	return "http://localhost:8547/rpc"
}

// applyGlobalFlags strips -rpc and -auth (single or double dash, with or
// without =) from args before command dispatch.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			out = append(out, arg)
			continue
		}
		key, value, hasValue := strings.Cut(name, "=")
		var target *string
		switch key {
		case "rpc":
			target = &rpcEndpoint
		case "auth":
			target = &rpcAuthToken
		default:
			out = append(out, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for -%s", key)
			}
			value = args[i+1]
			i++
		}
		*target = strings.TrimSpace(value)
	}
	return out, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  nhb-escrow [-rpc URL] [-auth TOKEN] <command> [flags]

Commands:
  create   Register a deal between a payer and a payee
  fund     Fund a deal from the payer
  get      Fetch a deal by id
  custody  Show the balance held in custody
  events   List journal events
  party    List deals involving an address (indexer required)
  watch    Stream journal events over websocket
  keygen   Generate a key into an encrypted keystore
  token    Mint a caller token for escrow_fund
  export   Export the event journal as csv, jsonl or parquet
`)
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"nhbescrow/crypto"
)

var escrowNow = time.Now

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		payer     string
		payee     string
		amountStr string
		deadline  string
	)
	fs.StringVar(&payer, "payer", "", "payer bech32 address")
	fs.StringVar(&payee, "payee", "", "payee bech32 address")
	fs.StringVar(&amountStr, "amount", "", "escrow amount (supports 100e18 shorthand)")
	fs.StringVar(&deadline, "deadline", "", "optional deadline as +duration, RFC3339 timestamp or unix seconds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateAddress("--payer", payer); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--payee", payee); err != nil {
		return printError(stderr, err.Error())
	}
	amount, err := normalizeEscrowAmount(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	deadlineUnix, err := parseEscrowDeadline(deadline, escrowNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"payer":    strings.TrimSpace(payer),
		"payee":    strings.TrimSpace(payee),
		"amount":   amount,
		"deadline": deadlineUnix,
	}
	return callAndPrint("escrow_create", params, stdout, stderr)
}

func runEscrowFund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fund", stderr)
	var (
		id     string
		caller string
		value  string
	)
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&caller, "caller", "", "payer address funding the escrow")
	fs.StringVar(&value, "value", "", "attached value; must equal the deal amount")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--caller", caller); err != nil {
		return printError(stderr, err.Error())
	}
	normalized, err := normalizeEscrowAmount(value)
	if err != nil {
		return printError(stderr, strings.ReplaceAll(err.Error(), "--amount", "--value"))
	}
	params := map[string]interface{}{
		"id":     strings.TrimSpace(id),
		"caller": strings.TrimSpace(caller),
		"value":  normalized,
	}
	return callAndPrint("escrow_fund", params, stdout, stderr)
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	return callAndPrint("escrow_get", map[string]interface{}{"id": strings.TrimSpace(id)}, stdout, stderr)
}

func runEscrowCustody(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("custody", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	return callAndPrint("escrow_custody", nil, stdout, stderr)
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		from  uint64
		limit int
	)
	fs.Uint64Var(&from, "from", 1, "first journal sequence to return")
	fs.IntVar(&limit, "limit", 100, "maximum number of events (1-1000)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if limit <= 0 || limit > maxEventPage {
		return printError(stderr, fmt.Sprintf("--limit must be between 1 and %d", maxEventPage))
	}
	return callAndPrint("escrow_listEvents", map[string]interface{}{"from": from, "limit": limit}, stdout, stderr)
}

func runEscrowParty(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("party", stderr)
	var addr string
	fs.StringVar(&addr, "address", "", "payer or payee address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateAddress("--address", addr); err != nil {
		return printError(stderr, err.Error())
	}
	return callAndPrint("escrow_listByParty", map[string]interface{}{"party": strings.TrimSpace(addr)}, stdout, stderr)
}

func callAndPrint(method string, params interface{}, stdout, stderr io.Writer) int {
	result, rpcErr, err := escrowRPCCall(method, params)
	if err != nil {
		fmt.Fprintf(stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	if len(err.Data) > 0 {
		var detail string
		if json.Unmarshal(err.Data, &detail) == nil && detail != "" {
			fmt.Fprintf(w, "RPC error %d: %s (%s)\n", err.Code, err.Message, detail)
			return 1
		}
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil && result[len(result)-1] != '\n' {
		fmt.Fprintln(w)
	}
}

func validateAddress(flagName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	if _, err := crypto.ParseIdentity(trimmed); err != nil {
		return fmt.Errorf("%s: %v", flagName, err)
	}
	return nil
}

// validateEscrowID accepts 64 hex characters with an optional 0x prefix.
func validateEscrowID(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--id is required")
	}
	cleaned := trimmed
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		cleaned = trimmed[2:]
	}
	if len(cleaned) != 64 {
		return fmt.Errorf("--id must be a 32-byte hex string")
	}
	if !isHex(cleaned) {
		return fmt.Errorf("--id must contain only hexadecimal characters")
	}
	return nil
}

// normalizeEscrowAmount converts decimal or scientific shorthand (100e18,
// 0.5e18) to a base-unit integer string.
func normalizeEscrowAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expValue, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	integerPart, fractionalPart, _ := strings.Cut(base, ".")
	if strings.Contains(fractionalPart, ".") {
		return "", fmt.Errorf("invalid amount format")
	}
	digits := integerPart + fractionalPart
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("--amount must be an integer")
	}
	if digits == "" {
		return "", fmt.Errorf("--amount must be positive")
	}
	return digits + strings.Repeat("0", totalExponent), nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// parseEscrowDeadline returns zero for an empty value, meaning no deadline.
func parseEscrowDeadline(value string, now time.Time) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if strings.HasPrefix(trimmed, "+") {
		dur, err := parseDeadlineDuration(strings.TrimSpace(trimmed[1:]))
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return uint64(now.Add(dur).Unix()), nil
	}
	if isDigits(trimmed) {
		secs, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid unix deadline")
		}
		return secs, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 deadline")
	}
	if ts.Unix() < 0 {
		return 0, fmt.Errorf("deadline before unix epoch")
	}
	return uint64(ts.Unix()), nil
}

func parseDeadlineDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		days, err := strconv.ParseFloat(value[:len(value)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	return dur, nil
}

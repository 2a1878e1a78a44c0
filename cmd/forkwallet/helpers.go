package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/forkwallet/config"
)

// passwordEnv supplies the wallet password for non-interactive use.
const passwordEnv = "FORKWALLET_PASSWORD"

// formatAmount converts base units to a decimal coin string.
func formatAmount(units int64) string {
	sign := ""
	u := uint64(units)
	if units < 0 {
		sign = "-"
		u = uint64(-(units + 1)) + 1
	}
	whole := u / config.Coin
	frac := u % config.Coin
	return fmt.Sprintf("%s%d.%0*d", sign, whole, config.Decimals, frac)
}

// parseAmount converts a decimal coin string to base units.
func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	parts := strings.SplitN(s, ".", 2)

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}

	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("too many decimal places (max %d)", config.Decimals)
		}
		fracStr = fracStr + strings.Repeat("0", config.Decimals-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	if whole > math.MaxInt64/config.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * config.Coin
	if result > math.MaxInt64-frac {
		return 0, fmt.Errorf("amount too large")
	}
	return int64(result + frac), nil
}

// parseOutput splits an "address=amount" pair.
func parseOutput(s string) (string, int64, error) {
	addr, amt, ok := strings.Cut(s, "=")
	if !ok || addr == "" {
		return "", 0, fmt.Errorf("output %q: want address=amount", s)
	}
	value, err := parseAmount(amt)
	if err != nil {
		return "", 0, fmt.Errorf("output %q: %w", s, err)
	}
	return addr, value, nil
}

// readPassword reads a password without echo, or from FORKWALLET_PASSWORD
// when set.
func readPassword(prompt string) ([]byte, error) {
	if pw, ok := os.LookupEnv(passwordEnv); ok {
		return []byte(pw), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// readNewPassword prompts twice and fails when the entries differ.
func readNewPassword() ([]byte, error) {
	if pw, ok := os.LookupEnv(passwordEnv); ok {
		return []byte(pw), nil
	}
	password, err := readPassword("Enter password: ")
	if err != nil {
		return nil, err
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	if string(password) != string(confirm) {
		return nil, fmt.Errorf("passwords do not match")
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("empty password")
	}
	return password, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(txid string) string {
	if len(txid) <= 16 {
		return txid
	}
	return txid[:8] + ".." + txid[len(txid)-8:]
}

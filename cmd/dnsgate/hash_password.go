package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// runHashPassword prints a bcrypt hash for api.password_hash
func runHashPassword(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	cost := fs.Int("cost", 12, "Bcrypt cost parameter (10-14 recommended)")
	username := fs.String("username", "admin", "Username to put in the config snippet")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		return errors.New("usage: dnsgate hash-password [-cost N] [-username NAME] <password>")
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(fs.Arg(0)), *cost)
	if err != nil {
		return fmt.Errorf("generating hash: %w", err)
	}

	fmt.Fprintf(out, "# Copy this into your config.yml:\n")
	fmt.Fprintf(out, "api:\n")
	fmt.Fprintf(out, "  username: %q\n", *username)
	fmt.Fprintf(out, "  password_hash: %q\n", string(hash))
	return nil
}

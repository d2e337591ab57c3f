package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry/internal/cli"
	"github.com/pthm/grantry/pkg/encryptor"
)

var (
	hashAlgorithm string
	hashCost      int
)

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash a password read from stdin",
	Long: `Hash the first line of stdin with a registered password algorithm. The
algorithm, salt and hash are printed one per line.`,
	Example: `  # Hash with bcrypt
  echo -n 's3cret' | grantry hash --algorithm bcrypt

  # Salted SHA-256 for a legacy store
  echo -n 's3cret' | grantry hash --algorithm sha256`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return cli.GeneralError("reading password", err)
		}

		registry := encryptor.Default()
		if hashCost > 0 {
			registry.Register(encryptor.Bcrypt, func() encryptor.Encryptor { return encryptor.NewBcrypt(hashCost) })
		}
		e, err := registry.Get(encryptor.AlgorithmID(hashAlgorithm))
		if err != nil {
			if encryptor.IsUnknownAlgorithmErr(err) {
				return cli.GeneralError(fmt.Sprintf("choose one of %v", registry.Algorithms()), err)
			}
			return cli.GeneralError("selecting algorithm", err)
		}

		salt, err := e.Salt()
		if err != nil {
			return cli.GeneralError("generating salt", err)
		}
		hash, err := e.Encrypt(password, salt)
		if err != nil {
			return cli.GeneralError("hashing password", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "algorithm: %s\n", hashAlgorithm)
		fmt.Fprintf(out, "salt: %s\n", salt)
		fmt.Fprintf(out, "hash: %s\n", hash)
		return nil
	},
}

func init() {
	f := hashCmd.Flags()
	f.StringVar(&hashAlgorithm, "algorithm", string(encryptor.Bcrypt), "password algorithm")
	f.IntVar(&hashCost, "cost", 0, "bcrypt cost (default: library default)")
}

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

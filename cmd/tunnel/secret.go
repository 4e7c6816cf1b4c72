// cmd/tunnel/secret.go
// Implements `tunnel secret`, printing a fresh 30-byte base64 secret
// suitable for PROXY_SECRET — the same generation spec.md requires the
// broker to perform automatically when PROXY_SECRET is unset at startup.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func newSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Generate a fresh proxy secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 30)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(buf))
			return nil
		},
	}
}

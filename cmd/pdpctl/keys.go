package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type keyMetadata struct {
	KeyID          string `json:"key_id"`
	Algorithm      string `json:"algorithm"`
	KeySize        int    `json:"key_size"`
	Backend        string `json:"backend"`
	Status         string `json:"status"`
	PublicKey      string `json:"public_key"`
	HasCertificate bool   `json:"has_certificate"`
	CreatedAt      string `json:"created_at"`
}

// keysCmd は署名鍵の管理コマンド。
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(keysCreateCmd(), keysListCmd(), keysGetCmd(), keysDeleteCmd(), keysCertCmd())
	return cmd
}

func keysCreateCmd() *cobra.Command {
	var keyID string
	var keySize int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a new RSA key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/keys", map[string]interface{}{
				"key_id":    keyID,
				"algorithm": "RSA",
				"key_size":  keySize,
			}, http.StatusCreated)
			if err != nil {
				return err
			}
			var result struct {
				KeyID     string `json:"key_id"`
				PublicKey string `json:"public_key"`
			}
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "Created key %q\n%s", result.KeyID, result.PublicKey)
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().IntVar(&keySize, "size", 2048, "RSA key size: 2048, 3072, 4096")
	cmd.MarkFlagRequired("key")
	return cmd
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/keys", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Keys []keyMetadata `json:"keys"`
			}
			return render(cmd, body, &result, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "KEY ID\tALGORITHM\tSIZE\tBACKEND\tSTATUS\tCERT\tCREATED AT")
				for _, k := range result.Keys {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%t\t%s\n",
						k.KeyID, k.Algorithm, k.KeySize, k.Backend, k.Status, k.HasCertificate, k.CreatedAt)
				}
				w.Flush()
			})
		},
	}
}

func keysGetCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a signing key and its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/keys/"+url.PathEscape(keyID), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var k keyMetadata
			return render(cmd, body, &k, func(w io.Writer) {
				fmt.Fprintf(w, "Key:         %s\nAlgorithm:   %s-%d\nBackend:     %s\nStatus:      %s\nCertificate: %t\n%s",
					k.KeyID, k.Algorithm, k.KeySize, k.Backend, k.Status, k.HasCertificate, k.PublicKey)
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodDelete, "/v1/keys/"+url.PathEscape(keyID), nil, http.StatusNoContent)
			if err != nil {
				return err
			}
			return render(cmd, body, nil, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted key %q\n", keyID)
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// keysCertCmd は証明書の取得・保存コマンド。--file を指定すると保存する。
func keysCertCmd() *cobra.Command {
	var keyID, file string
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Show or attach the certificate of a signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/keys/" + url.PathEscape(keyID) + "/certificate"
			if file != "" {
				pemBytes, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading certificate: %w", err)
				}
				body, err := callAPI(http.MethodPut, path, map[string]string{"certificate": string(pemBytes)}, http.StatusNoContent)
				if err != nil {
					return err
				}
				return render(cmd, body, nil, func(w io.Writer) {
					fmt.Fprintf(w, "Stored certificate for key %q\n", keyID)
				})
			}

			body, err := callAPI(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Certificate string `json:"certificate"`
			}
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprint(w, result.Certificate)
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&file, "file", "", "PEM certificate to attach")
	cmd.MarkFlagRequired("key")
	return cmd
}

// readData は --data か --file から署名対象のデータを読み込む。
func readData(data, file string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if data == "" {
		return nil, fmt.Errorf("--data or --file is required")
	}
	return []byte(data), nil
}

func signCmd() *cobra.Command {
	var keyID, data, file, alg string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign data with a signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readData(data, file)
			if err != nil {
				return err
			}
			body, err := callAPI(http.MethodPost, "/v1/keys/"+url.PathEscape(keyID)+"/sign", map[string]string{
				"data":      base64.StdEncoding.EncodeToString(raw),
				"algorithm": alg,
			}, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Signature string `json:"signature"`
			}
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprintln(w, result.Signature)
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&data, "data", "", "Data to sign")
	cmd.Flags().StringVar(&file, "file", "", "File to sign")
	cmd.Flags().StringVar(&alg, "alg", "RS256", "Signature algorithm: RS256, RS384, RS512")
	cmd.MarkFlagRequired("key")
	return cmd
}

func verifyCmd() *cobra.Command {
	var keyID, data, file, signature, alg string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readData(data, file)
			if err != nil {
				return err
			}
			body, err := callAPI(http.MethodPost, "/v1/keys/"+url.PathEscape(keyID)+"/verify", map[string]string{
				"data":      base64.StdEncoding.EncodeToString(raw),
				"signature": signature,
				"algorithm": alg,
			}, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Valid bool `json:"valid"`
			}
			if err := render(cmd, body, &result, func(w io.Writer) {
				if result.Valid {
					fmt.Fprintln(w, "Signature is valid")
				} else {
					fmt.Fprintln(w, "Signature is INVALID")
				}
			}); err != nil {
				return err
			}
			if output != "json" && !result.Valid {
				return fmt.Errorf("signature verification failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&data, "data", "", "Signed data")
	cmd.Flags().StringVar(&file, "file", "", "Signed file")
	cmd.Flags().StringVar(&signature, "signature", "", "Base64 signature (required)")
	cmd.Flags().StringVar(&alg, "alg", "RS256", "Signature algorithm: RS256, RS384, RS512")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("signature")
	return cmd
}

func signingStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signing-status",
		Short: "Show the signing provider status",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/signing/status", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Backend   string            `json:"backend"`
				Provider  string            `json:"provider"`
				Available bool              `json:"available"`
				KeyCount  int               `json:"key_count"`
				Details   map[string]string `json:"details"`
			}
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "Backend:   %s (%s)\nAvailable: %t\nKeys:      %d\n",
					result.Backend, result.Provider, result.Available, result.KeyCount)
				for k, v := range result.Details {
					fmt.Fprintf(w, "  %s: %s\n", k, v)
				}
			})
		},
	}
}

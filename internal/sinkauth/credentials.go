package sinkauth

import (
	"errors"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// DefaultTokenURI is used when the credential file does not name one.
const DefaultTokenURI = "https://oauth2.googleapis.com/token"

// Credentials is the subset of a service account key file the gateway uses.
type Credentials struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
	ProjectID    string `json:"project_id"`
}

// ParseCredentials decodes a service account key JSON document.
func ParseCredentials(data []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("sinkauth: decoding credentials: %w", err)
	}
	if c.ClientEmail == "" {
		return nil, errors.New("sinkauth: credentials missing client_email")
	}
	if c.PrivateKey == "" {
		return nil, errors.New("sinkauth: credentials missing private_key")
	}
	if c.TokenURI == "" {
		c.TokenURI = DefaultTokenURI
	}
	return &c, nil
}

// LoadCredentials reads credentials from inline JSON, falling back to a file.
func LoadCredentials(inlineJSON, path string) (*Credentials, error) {
	if inlineJSON != "" {
		return ParseCredentials([]byte(inlineJSON))
	}
	if path == "" {
		return nil, errors.New("sinkauth: no service account credentials configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sinkauth: reading credentials file: %w", err)
	}
	return ParseCredentials(data)
}

// Signer builds the RS256 signer for these credentials.
func (c *Credentials) Signer() (*RSASigner, error) {
	return NewRSASignerFromPEM([]byte(c.PrivateKey), c.PrivateKeyID)
}

// Package artifact builds the documents uploaded to a run's storage scope.
package artifact

import (
	"github.com/roach88/localrunner/internal/resource"
)

// Artifact names inside the storage scope.
const (
	SpecName       = "spec.json"
	ConnectionName = "neo4j.json"
)

// BasicAuth is the only authentication mode jobs are given.
const BasicAuth = "basic"

// ConnectionMetadata tells a launched job how to reach the run's database.
type ConnectionMetadata struct {
	ServerURL string
	Database  string
	AuthType  string
	Username  string
	Password  string
}

// ConnectionFor describes db with basic authentication.
func ConnectionFor(db *resource.Database) ConnectionMetadata {
	return ConnectionMetadata{
		ServerURL: db.URI,
		Database:  db.Name,
		AuthType:  BasicAuth,
		Username:  db.Username,
		Password:  db.Password,
	}
}

// Encode returns the canonical JSON document:
//
//	{"auth_type":"basic","database":...,"pwd":...,"server_url":...,"username":...}
func (m ConnectionMetadata) Encode() ([]byte, error) {
	return MarshalCanonical(map[string]any{
		"server_url": m.ServerURL,
		"database":   m.Database,
		"auth_type":  m.AuthType,
		"username":   m.Username,
		"pwd":        m.Password,
	})
}

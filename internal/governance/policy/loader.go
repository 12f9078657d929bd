package policy

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"chenu/internal/governance/models"
	dErrors "chenu/pkg/domain-errors"
)

//go:embed default.yaml
var defaultPolicy []byte

// File is the on-disk policy document.
type File struct {
	Version  string          `yaml:"version"`
	Policies []models.Policy `yaml:"policies"`
}

// Load reads a YAML policy file. An empty path loads the built-in policy.
func Load(path string) (*models.PolicySet, error) {
	if path == "" {
		return Parse(defaultPolicy)
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document. Unknown fields are
// rejected so a typo cannot silently relax a policy.
func Parse(data []byte) (*models.PolicySet, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid policy document")
	}
	if len(file.Policies) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "policy document defines no policies")
	}
	return models.NewPolicySet(file.Version, Digest(data), file.Policies...)
}

// Digest returns "blake2b:<hex>" over the raw policy bytes.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return "blake2b:" + hex.EncodeToString(sum[:])
}

package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Artifact is a compiled contract ready for deployment: its ABI plus
// creation bytecode, as produced by the contract build step.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// artifactJSON matches the solc combined-json artifact layout.
type artifactJSON struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode string          `json:"bytecode"`
}

// LoadArtifact reads a compiled contract artifact from disk.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain: reading artifact: %w", err)
	}

	var raw artifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("chain: parsing artifact %s: %w", path, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(string(raw.ABI)))
	if err != nil {
		return nil, fmt.Errorf("chain: parsing artifact ABI %s: %w", path, err)
	}

	bytecode, err := hex.DecodeString(strings.TrimPrefix(raw.Bytecode, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: decoding artifact bytecode %s: %w", path, err)
	}
	if len(bytecode) == 0 {
		return nil, fmt.Errorf("chain: artifact %s has empty bytecode", path)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Artifact{Name: name, ABI: parsedABI, Bytecode: bytecode}, nil
}

// ArtifactSet holds the four deployable platform contracts.
type ArtifactSet struct {
	Oracle *Artifact
	Token  *Artifact
	Vault  *Artifact
	Pool   *Artifact
}

// LoadArtifactSet loads the standard artifact files from dir. File names
// follow the contract build output: Oracle.json, SyntheticToken.json,
// Vault.json, Pool.json.
func LoadArtifactSet(dir string) (*ArtifactSet, error) {
	set := &ArtifactSet{}
	for _, entry := range []struct {
		file string
		dst  **Artifact
	}{
		{"Oracle.json", &set.Oracle},
		{"SyntheticToken.json", &set.Token},
		{"Vault.json", &set.Vault},
		{"Pool.json", &set.Pool},
	} {
		art, err := LoadArtifact(filepath.Join(dir, entry.file))
		if err != nil {
			return nil, err
		}
		*entry.dst = art
	}
	return set, nil
}

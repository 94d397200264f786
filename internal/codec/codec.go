// Package codec parses input bundles and writes per-node chain logs.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgenet/mergesplit/internal/community"
	"github.com/forgenet/mergesplit/internal/log"
	"github.com/forgenet/mergesplit/pkg/tx"
	"github.com/forgenet/mergesplit/pkg/types"
)

// ErrInvalidInput marks a malformed input bundle; it aborts the run.
var ErrInvalidInput = errors.New("invalid input bundle")

// CommunityRecord is one parsed community: its transaction pool (first
// entry is the genesis transaction) and its forger signing key pairs.
type CommunityRecord struct {
	Pool []*tx.Transaction
	Keys [][2]string
}

// communityWire mirrors the input file schema.
type communityWire struct {
	Pool        []json.RawMessage `json:"pool"`
	SigningKeys [][2]string       `json:"signingKeys"`
}

// ReadBundle parses an input file into ordered community records.
// Transaction records failing structural validation are silently
// dropped; a malformed top-level document is a hard error.
func ReadBundle(path string) ([]CommunityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var wires []communityWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	records := make([]CommunityRecord, 0, len(wires))
	for i, w := range wires {
		rec := CommunityRecord{Keys: w.SigningKeys}
		for _, raw := range w.Pool {
			t, err := parseTransaction(raw)
			if err != nil {
				log.Codec.Debug().Int("community", i).Err(err).Msg("dropping malformed transaction record")
				continue
			}
			rec.Pool = append(rec.Pool, t)
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseTransaction decodes one transaction record, enforcing the exact
// shape of the input format: four keys on the record, two on each input,
// two on each input's output and on each output.
func parseTransaction(raw json.RawMessage) (*tx.Transaction, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if len(fields) != 4 {
		return nil, fmt.Errorf("transaction record has %d keys, want 4", len(fields))
	}
	numberRaw, ok1 := fields["number"]
	inputRaw, ok2 := fields["input"]
	outputRaw, ok3 := fields["output"]
	sigRaw, ok4 := fields["sig"]
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errors.New("transaction record missing required keys")
	}

	t := &tx.Transaction{Inputs: []tx.Input{}, Outputs: []tx.Output{}}

	var numberHex string
	if err := json.Unmarshal(numberRaw, &numberHex); err != nil {
		return nil, fmt.Errorf("number: %w", err)
	}
	number, err := types.HexToHash(numberHex)
	if err != nil {
		return nil, fmt.Errorf("number: %w", err)
	}
	t.Number = number

	if err := json.Unmarshal(sigRaw, &t.Sig); err != nil {
		return nil, fmt.Errorf("sig: %w", err)
	}

	var inputs []json.RawMessage
	if err := json.Unmarshal(inputRaw, &inputs); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	for _, inRaw := range inputs {
		in, err := parseInput(inRaw)
		if err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		t.Inputs = append(t.Inputs, in)
	}

	var outputs []json.RawMessage
	if err := json.Unmarshal(outputRaw, &outputs); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	for _, outRaw := range outputs {
		out, err := parseOutput(outRaw)
		if err != nil {
			return nil, fmt.Errorf("output: %w", err)
		}
		t.Outputs = append(t.Outputs, out)
	}
	return t, nil
}

func parseInput(raw json.RawMessage) (tx.Input, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return tx.Input{}, err
	}
	if len(fields) != 2 {
		return tx.Input{}, fmt.Errorf("input has %d keys, want 2", len(fields))
	}
	numberRaw, ok1 := fields["number"]
	outputRaw, ok2 := fields["output"]
	if !ok1 || !ok2 {
		return tx.Input{}, errors.New("input missing required keys")
	}
	var numberHex string
	if err := json.Unmarshal(numberRaw, &numberHex); err != nil {
		return tx.Input{}, err
	}
	ref, err := types.HexToHash(numberHex)
	if err != nil {
		return tx.Input{}, err
	}
	out, err := parseOutput(outputRaw)
	if err != nil {
		return tx.Input{}, err
	}
	return tx.Input{RefNumber: ref, Output: out}, nil
}

func parseOutput(raw json.RawMessage) (tx.Output, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return tx.Output{}, err
	}
	if len(fields) != 2 {
		return tx.Output{}, fmt.Errorf("output has %d keys, want 2", len(fields))
	}
	valueRaw, ok1 := fields["value"]
	pubkeyRaw, ok2 := fields["pubkey"]
	if !ok1 || !ok2 {
		return tx.Output{}, errors.New("output missing required keys")
	}
	var out tx.Output
	if err := json.Unmarshal(valueRaw, &out.Value); err != nil {
		return tx.Output{}, fmt.Errorf("value: %w", err)
	}
	if err := json.Unmarshal(pubkeyRaw, &out.PubKey); err != nil {
		return tx.Output{}, fmt.Errorf("pubkey: %w", err)
	}
	return out, nil
}

// WriteChainLogs writes every forger's longest chain, tip to genesis, to
// <root>/community<id>/blockchains_node<i+1>.json.
func WriteChainLogs(root string, c *community.Community) error {
	dir := filepath.Join(root, fmt.Sprintf("community%d", c.ID()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for i, f := range c.Forgers() {
		data, err := json.MarshalIndent(f.Chain.Log(), "", "    ")
		if err != nil {
			return fmt.Errorf("encode chain log: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("blockchains_node%d.json", i+1))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write chain log: %w", err)
		}
	}
	return nil
}

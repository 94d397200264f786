// Package tx defines the transaction value object and its canonical codec.
package tx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/forgenet/mergesplit/pkg/crypto"
	"github.com/forgenet/mergesplit/pkg/types"
)

// Output defines a value record assigned to a public key.
type Output struct {
	Value  uint64 `json:"value"`
	PubKey string `json:"pubkey"`
}

// Input references an output of an earlier transaction by that
// transaction's number, restating the claimed (value, pubkey) pair.
type Input struct {
	RefNumber types.Hash `json:"number"`
	Output    Output     `json:"output"`
}

// Transaction is an immutable value object. Number is reproducible from
// the remaining fields: H(signing payload ‖ sig).
type Transaction struct {
	Number  types.Hash
	Inputs  []Input
	Outputs []Output
	Sig     string
}

// wire is the canonical JSON envelope: {"data":[number, inputs, outputs, sig]}.
type wire struct {
	Data [4]json.RawMessage `json:"data"`
}

// Serialize returns the canonical JSON form of the transaction.
// Field ordering and container syntax are fixed; the output is
// byte-identical across platforms.
func (t *Transaction) Serialize() string {
	number, _ := json.Marshal(t.Number)
	inputs := t.Inputs
	if inputs == nil {
		inputs = []Input{}
	}
	outputs := t.Outputs
	if outputs == nil {
		outputs = []Output{}
	}
	inputsJSON, _ := json.Marshal(inputs)
	outputsJSON, _ := json.Marshal(outputs)
	sig, _ := json.Marshal(t.Sig)
	data, _ := json.Marshal(wire{Data: [4]json.RawMessage{number, inputsJSON, outputsJSON, sig}})
	return string(data)
}

// Deserialize parses a canonical transaction form.
func Deserialize(s string) (*Transaction, error) {
	var w wire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	t := &Transaction{Inputs: []Input{}, Outputs: []Output{}}
	if err := json.Unmarshal(w.Data[0], &t.Number); err != nil {
		return nil, fmt.Errorf("decode transaction number: %w", err)
	}
	if err := json.Unmarshal(w.Data[1], &t.Inputs); err != nil {
		return nil, fmt.Errorf("decode transaction inputs: %w", err)
	}
	if err := json.Unmarshal(w.Data[2], &t.Outputs); err != nil {
		return nil, fmt.Errorf("decode transaction outputs: %w", err)
	}
	if err := json.Unmarshal(w.Data[3], &t.Sig); err != nil {
		return nil, fmt.Errorf("decode transaction sig: %w", err)
	}
	return t, nil
}

// SigningPayload returns the byte string signed by the inputs' owner:
// the concatenation of every input's (refNumber, value, pubkey) followed
// by every output's (value, pubkey).
func (t *Transaction) SigningPayload() []byte {
	var b strings.Builder
	for _, in := range t.Inputs {
		b.WriteString(in.RefNumber.String())
		b.WriteString(strconv.FormatUint(in.Output.Value, 10))
		b.WriteString(in.Output.PubKey)
	}
	for _, out := range t.Outputs {
		b.WriteString(strconv.FormatUint(out.Value, 10))
		b.WriteString(out.PubKey)
	}
	return []byte(b.String())
}

// NumberFor derives the transaction number for a given signature:
// H(signing payload ‖ sig).
func (t *Transaction) NumberFor(sig string) types.Hash {
	payload := t.SigningPayload()
	return crypto.Hash(append(payload, []byte(sig)...))
}

// CheckNumber reports whether the stored number matches the derived one.
func (t *Transaction) CheckNumber() bool {
	return t.Number == t.NumberFor(t.Sig)
}

// SumInputs returns the total value consumed by the inputs.
func (t *Transaction) SumInputs() uint64 {
	var total uint64
	for _, in := range t.Inputs {
		total += in.Output.Value
	}
	return total
}

// SumOutputs returns the total value produced by the outputs.
func (t *Transaction) SumOutputs() uint64 {
	var total uint64
	for _, out := range t.Outputs {
		total += out.Value
	}
	return total
}

// Signer returns the shared pubkey of the inputs, or "" for an
// empty-input transaction.
func (t *Transaction) Signer() string {
	if len(t.Inputs) == 0 {
		return ""
	}
	return t.Inputs[0].Output.PubKey
}

// NewSigned builds a transaction over the given inputs and outputs,
// signs the payload with the private key, and derives the number.
func NewSigned(inputs []Input, outputs []Output, key *crypto.PrivateKey) (*Transaction, error) {
	t := &Transaction{Inputs: inputs, Outputs: outputs}
	sig, err := key.Sign(t.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	t.Sig = sig
	t.Number = t.NumberFor(sig)
	return t, nil
}

// NewProtocol builds a protocol-issued transaction (boundary and genesis
// constructions). Its sig field carries the payload hash rather than a
// forger signature; boundary kinds skip signature verification.
func NewProtocol(inputs []Input, outputs []Output) *Transaction {
	t := &Transaction{Inputs: inputs, Outputs: outputs}
	t.Sig = crypto.Hash(t.SigningPayload()).String()
	t.Number = t.NumberFor(t.Sig)
	return t
}

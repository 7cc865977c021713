package sftp

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/bertl4398/MiGBox/delta"
)

// Checksum tables and deltas travel as JSON. Bucket keys are encoded as
// decimal strings for compatibility with map-typed encodings that forbid
// integer keys; strong digests as hex; literal bytes as base-64.

type wireChecksum struct {
	Offset uint64 `json:"offset"`
	Weak   uint32 `json:"weak"`
	Strong string `json:"strong"`
}

type wireInstruction struct {
	Offset uint64 `json:"offset"`
	Data   string `json:"data,omitempty"`
}

func encodeTable(t delta.Table) ([]byte, error) {
	out := make(map[string][]wireChecksum, len(t))
	for bucket, entries := range t {
		rows := make([]wireChecksum, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, wireChecksum{
				Offset: e.Offset,
				Weak:   e.Weak,
				Strong: hex.EncodeToString(e.Strong[:]),
			})
		}
		out[strconv.FormatUint(uint64(bucket), 10)] = rows
	}
	return json.Marshal(out)
}

func decodeTable(p []byte) (delta.Table, error) {
	var raw map[string][]wireChecksum
	if err := json.Unmarshal(p, &raw); err != nil {
		return nil, err
	}
	t := make(delta.Table, len(raw))
	for key, rows := range raw {
		bucket, err := strconv.ParseUint(key, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("sftp: bad bucket key %q: %w", key, err)
		}
		entries := make([]delta.Entry, 0, len(rows))
		for _, r := range rows {
			strong, err := hex.DecodeString(r.Strong)
			if err != nil || len(strong) != delta.StrongSize {
				return nil, fmt.Errorf("sftp: bad strong digest %q", r.Strong)
			}
			e := delta.Entry{Offset: r.Offset, Weak: r.Weak}
			copy(e.Strong[:], strong)
			entries = append(entries, e)
		}
		t[uint16(bucket)] = entries
	}
	return t, nil
}

func encodeDelta(instrs []delta.Instruction) ([]byte, error) {
	rows := make([]wireInstruction, 0, len(instrs))
	for _, in := range instrs {
		row := wireInstruction{Offset: in.Offset}
		if !in.IsCopy() {
			row.Data = base64.StdEncoding.EncodeToString(in.Data)
		}
		rows = append(rows, row)
	}
	return json.Marshal(rows)
}

func decodeDelta(p []byte) ([]delta.Instruction, error) {
	var rows []wireInstruction
	if err := json.Unmarshal(p, &rows); err != nil {
		return nil, err
	}
	instrs := make([]delta.Instruction, 0, len(rows))
	for _, row := range rows {
		in := delta.Instruction{Offset: row.Offset}
		if row.Data != "" {
			data, err := base64.StdEncoding.DecodeString(row.Data)
			if err != nil {
				return nil, fmt.Errorf("sftp: bad literal data: %w", err)
			}
			in.Data = data
		}
		instrs = append(instrs, in)
	}
	return instrs, nil
}

// sortedNames returns entry names in a stable order for listings.
func sortedNames(entries []NameEntry) []NameEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Package executor provides a concrete Plan/Query/Executor implementation:
// a columnar-ish scan over newline-delimited JSON row files, good enough to
// exercise the Blocking Execution Bridge without pulling in an actual
// columnar engine (spec.md §1 treats the query-plan compiler/executor as an
// opaque black box; this is the reference implementation behind that box).
package executor

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"

	"go.archivegrid.dev/worker/modules"
)

// description is the wire shape of the opaque JSON query document: at
// minimum a first_block field, per spec.md §6.
type description struct {
	FirstBlock *uint64           `json:"first_block"`
	Fields     []string          `json:"fields,omitempty"`
	Filter     map[string]string `json:"filter,omitempty"`
}

// jsonQuery is the parsed form of a query.
type jsonQuery struct {
	desc description
}

// FirstBlock implements modules.Query.
func (q *jsonQuery) FirstBlock() (modules.BlockNumber, bool) {
	if q.desc.FirstBlock == nil {
		return 0, false
	}
	return modules.BlockNumber(*q.desc.FirstBlock), true
}

// Compile implements modules.Query.
func (q *jsonQuery) Compile() (modules.Plan, error) {
	return &scanPlan{desc: q.desc}, nil
}

// scanPlan implements modules.Plan by reading every "rows.ndjson" file in a
// chunk directory line by line, optionally projecting fields and applying
// flat equality filters.
type scanPlan struct {
	desc description
}

const rowsFileName = "rows.ndjson"

// Execute implements modules.Plan.
func (p *scanPlan) Execute(chunkPath string) ([]json.RawMessage, error) {
	f, err := os.Open(filepath.Join(chunkPath, rowsFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.AddContext(err, "could not open chunk rows file")
	}
	defer f.Close()

	var out []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		row, keep, err := p.applyRow(line)
		if err != nil {
			return nil, errors.AddContext(err, "could not decode row")
		}
		if keep {
			out = append(out, row)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.AddContext(err, "could not scan chunk rows file")
	}
	return out, nil
}

func (p *scanPlan) applyRow(line []byte) (json.RawMessage, bool, error) {
	if len(p.desc.Filter) == 0 && len(p.desc.Fields) == 0 {
		cp := make([]byte, len(line))
		copy(cp, line)
		return json.RawMessage(cp), true, nil
	}

	var row map[string]json.RawMessage
	if err := json.Unmarshal(line, &row); err != nil {
		return nil, false, err
	}
	for key, want := range p.desc.Filter {
		got, ok := row[key]
		if !ok {
			return nil, false, nil
		}
		var s string
		if err := json.Unmarshal(got, &s); err == nil {
			if s != want {
				return nil, false, nil
			}
			continue
		}
		if string(got) != want {
			return nil, false, nil
		}
	}

	if len(p.desc.Fields) == 0 {
		out, err := json.Marshal(row)
		return out, true, err
	}
	projected := make(map[string]json.RawMessage, len(p.desc.Fields))
	for _, field := range p.desc.Fields {
		if v, ok := row[field]; ok {
			projected[field] = v
		}
	}
	out, err := json.Marshal(projected)
	return out, true, err
}

// JSONScan parses opaque query bytes into a jsonQuery.
type JSONScan struct{}

// Parse implements modules.Executor.
func (JSONScan) Parse(raw []byte) (modules.Query, error) {
	var desc description
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, errors.AddContext(err, "couldn't parse query")
	}
	return &jsonQuery{desc: desc}, nil
}

package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeRows(t *testing.T, dir string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	var buf []byte
	for _, l := range lines {
		buf = append(buf, []byte(l+"\n")...)
	}
	if err := os.WriteFile(filepath.Join(dir, rowsFileName), buf, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestJSONScanParseRejectsInvalidJSON(t *testing.T) {
	var e JSONScan
	if _, err := e.Parse([]byte("not json")); err == nil {
		t.Fatal("expected Parse to reject invalid JSON")
	}
}

func TestJSONScanFirstBlockPresence(t *testing.T) {
	var e JSONScan
	withField, err := e.Parse([]byte(`{"first_block":10}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	block, ok := withField.FirstBlock()
	if !ok || block != 10 {
		t.Fatalf("expected FirstBlock() = (10, true), got (%d, %v)", block, ok)
	}

	withoutField, err := e.Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := withoutField.FirstBlock(); ok {
		t.Fatal("expected FirstBlock() to report absent when the field is missing")
	}
}

func TestScanPlanExecuteReturnsAllRowsWithNoFilter(t *testing.T) {
	dir := t.TempDir()
	writeRows(t, dir, []string{`{"id":1}`, `{"id":2}`, ``, `{"id":3}`})

	var e JSONScan
	q, _ := e.Parse([]byte(`{"first_block":0}`))
	plan, err := q.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rows, err := plan.Execute(dir)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows (blank lines skipped), got %d", len(rows))
	}
}

func TestScanPlanExecuteMissingRowsFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	var e JSONScan
	q, _ := e.Parse([]byte(`{"first_block":0}`))
	plan, _ := q.Compile()
	rows, err := plan.Execute(dir)
	if err != nil {
		t.Fatalf("expected a missing rows file to be treated as zero rows, got error: %v", err)
	}
	if rows != nil {
		t.Fatalf("expected nil rows, got %v", rows)
	}
}

func TestScanPlanExecuteAppliesFilter(t *testing.T) {
	dir := t.TempDir()
	writeRows(t, dir, []string{
		`{"id":1,"status":"ok"}`,
		`{"id":2,"status":"error"}`,
		`{"id":3,"status":"ok"}`,
	})

	var e JSONScan
	q, _ := e.Parse([]byte(`{"first_block":0,"filter":{"status":"ok"}}`))
	plan, _ := q.Compile()
	rows, err := plan.Execute(dir)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows matching the filter, got %d", len(rows))
	}
	for _, r := range rows {
		var decoded map[string]interface{}
		if err := json.Unmarshal(r, &decoded); err != nil {
			t.Fatalf("row is not valid JSON: %v", err)
		}
		if decoded["status"] != "ok" {
			t.Fatalf("expected every returned row to have status=ok, got %v", decoded)
		}
	}
}

func TestScanPlanExecuteProjectsFields(t *testing.T) {
	dir := t.TempDir()
	writeRows(t, dir, []string{`{"id":1,"name":"a","extra":"drop me"}`})

	var e JSONScan
	q, _ := e.Parse([]byte(`{"first_block":0,"fields":["id","name"]}`))
	plan, _ := q.Compile()
	rows, err := plan.Execute(dir)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(rows[0], &decoded); err != nil {
		t.Fatalf("row is not valid JSON: %v", err)
	}
	if _, hasExtra := decoded["extra"]; hasExtra {
		t.Fatalf("expected the projected row to drop unselected fields, got %v", decoded)
	}
	if decoded["id"] == nil || decoded["name"] == nil {
		t.Fatalf("expected the projected row to keep selected fields, got %v", decoded)
	}
}

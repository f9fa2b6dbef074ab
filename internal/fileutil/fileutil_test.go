package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		want    record
	}{
		{name: "valid", content: `{"room": "agent", "count": 3}`, want: record{Room: "agent", Count: 3}},
		{name: "empty object", content: `{}`},
		{name: "invalid", content: `{"room": agent}`, wantErr: true},
		{name: "empty file", content: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write test file: %v", err)
			}

			var got record
			err := ReadJSON(path, &got)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadJSON_Missing(t *testing.T) {
	var got record
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestReadJSON_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	var got record
	if err := ReadJSON(path, &got); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("err = %v, want ErrEmptyFile", err)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	if err := WriteJSONAtomic(path, record{Room: "team", Count: 1}, 0o600); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}
	if err := WriteJSONAtomic(path, record{Room: "team", Count: 2}, 0o600); err != nil {
		t.Fatalf("second WriteJSONAtomic failed: %v", err)
	}

	var got record
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Count != 2 {
		t.Errorf("Count = %d, want 2", got.Count)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the target file", len(entries))
	}
}

func TestWriteJSONAtomic_Unmarshalable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := WriteJSONAtomic(path, make(chan int), 0o644); err == nil {
		t.Error("expected marshal error, got nil")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("target file should not exist after a failed write")
	}
}

func TestWriteAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "data.json")
	if err := WriteAtomic(path, []byte("{}"), 0o644); err == nil {
		t.Error("expected error for missing directory")
	}
}

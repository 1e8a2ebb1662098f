package backup

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/lotas/bubblegroups/internal/storage"
)

func TestCompressRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"short json", `{}`},
		{"repetitive", strings.Repeat(`{"appId":"acme","versionId":"dev"},`, 200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed, err := Compress([]byte(tt.data))
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if !bytes.HasPrefix(framed, []byte("bgLz40\x00")) {
				t.Fatalf("missing magic: %q", framed[:8])
			}
			got, err := Decompress(framed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if string(got) != tt.data {
				t.Errorf("round trip mismatch: got %q", got)
			}
		})
	}
}

func TestDecompressErrors(t *testing.T) {
	t.Run("invalid header returns error", func(t *testing.T) {
		if _, err := Decompress([]byte("BADMAGIC\x00\x00\x00\x00some data")); err == nil {
			t.Fatal("expected error for invalid header, got nil")
		}
	})

	t.Run("too short data returns error", func(t *testing.T) {
		if _, err := Decompress([]byte("bgLz4")); err == nil {
			t.Fatal("expected error for too-short data, got nil")
		}
	})
}

func TestWriteReadFile(t *testing.T) {
	st := &storage.State{
		SchemaVersion: 1,
		Apps: map[string]storage.AppState{
			"acme": {AppID: "acme", BaseURLs: []string{"acme.bubbleapps.io"}, URLLastSeen: map[string]int64{"acme.bubbleapps.io": 1000}, UpdatedAt: 1000},
		},
		Branches: map[string]storage.BranchState{
			"acme:live": {AppID: "acme", VersionID: "live", Color: "green", UpdatedAt: 2000},
		},
		Settings:        storage.SettingsState{Grouping: storage.GroupingSettings{Enabled: true}},
		ExtensionGroups: []int{12},
		GroupMappings: map[int]storage.GroupMappingState{
			12: {GroupID: 12, AppID: "acme", VersionID: "live", WindowID: 1, LastSeenAt: 3000},
		},
	}

	path := filepath.Join(t.TempDir(), "nested", "state.bglz4")
	if err := WriteFile(path, st); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !reflect.DeepEqual(got, st) {
		t.Errorf("got %+v, want %+v", got, st)
	}
}

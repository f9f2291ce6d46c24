package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lni/goutils/leaktest"
	"go.uber.org/zap"

	"github.com/lojhan/chainmap/internal/resp"
	"github.com/lojhan/chainmap/internal/store"
)

func replayInto(t *testing.T, st *store.Store) func(resp.Value) resp.Value {
	t.Helper()
	return func(v resp.Value) resp.Value {
		args := v.Array
		switch strings.ToUpper(args[0].Str) {
		case "SET":
			st.Set(args[1].Str, args[2].Str)
			return resp.OKValue()
		case "DEL":
			if st.Delete(args[1].Str) {
				return resp.IntegerValue(1)
			}
			return resp.IntegerValue(0)
		default:
			return resp.ErrorValue("ERR unknown command")
		}
	}
}

func TestAOFAppendAndLoad(t *testing.T) {
	for _, policy := range []AOFSyncPolicy{AOFSyncAlways, AOFSyncEverySec, AOFSyncNo} {
		t.Run(string(policy), func(t *testing.T) {
			defer leaktest.AfterTest(t)()

			path := filepath.Join(t.TempDir(), "appendonly.aof")
			aof, err := NewAOFWriter(path, policy, zap.NewNop())
			if err != nil {
				t.Fatalf("Failed to create AOF writer: %v", err)
			}

			commands := []resp.Value{
				resp.Command("SET", "key1", "value1"),
				resp.Command("SET", "key2", "value2"),
				resp.Command("DEL", "key1"),
				resp.Command("SET", "key2", "value3"),
			}
			for _, cmd := range commands {
				if err := aof.Append(cmd); err != nil {
					t.Fatalf("Failed to append command: %v", err)
				}
			}
			if err := aof.Close(); err != nil {
				t.Fatalf("Failed to close AOF: %v", err)
			}

			st, _ := store.NewStore(4)
			count, err := LoadAOF(path, replayInto(t, st))
			if err != nil {
				t.Fatalf("Failed to load AOF: %v", err)
			}
			if count != len(commands) {
				t.Errorf("Expected %d commands, got %d", len(commands), count)
			}
			if st.Exists("key1") {
				t.Error("Expected key1 to be deleted")
			}
			if v, _ := st.Get("key2"); v != "value3" {
				t.Errorf("Expected key2=value3, got %q", v)
			}
			if st.Len() != 1 {
				t.Errorf("Expected 1 key, got %d", st.Len())
			}
		})
	}
}

func TestAOFAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")

	for _, key := range []string{"a", "b"} {
		aof, err := NewAOFWriter(path, AOFSyncAlways, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create AOF writer: %v", err)
		}
		if err := aof.Append(resp.Command("SET", key, "1")); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
		if err := aof.Close(); err != nil {
			t.Fatalf("Failed to close: %v", err)
		}
	}

	st, _ := store.NewStore(4)
	count, err := LoadAOF(path, replayInto(t, st))
	if err != nil || count != 2 {
		t.Fatalf("LoadAOF() = %d, %v; want 2, nil", count, err)
	}
}

func TestLoadAOFMissingFile(t *testing.T) {
	st, _ := store.NewStore(4)
	count, err := LoadAOF(filepath.Join(t.TempDir(), "missing.aof"), replayInto(t, st))
	if err != nil {
		t.Errorf("Expected no error for missing file, got %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 commands, got %d", count)
	}
}

func TestLoadAOFTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.aof")
	data := string(resp.AppendValue(nil, resp.Command("SET", "a", "1"))) + "*3\r\n$3\r\nSET\r\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	st, _ := store.NewStore(4)
	count, err := LoadAOF(path, replayInto(t, st))
	if err == nil {
		t.Fatal("Expected error for truncated AOF")
	}
	if count != 1 {
		t.Errorf("Expected 1 command applied before failure, got %d", count)
	}
}

func TestLoadAOFRejectsFailingCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.aof")
	data := resp.AppendValue(nil, resp.Command("FLY", "away"))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	st, _ := store.NewStore(4)
	if _, err := LoadAOF(path, replayInto(t, st)); err == nil {
		t.Fatal("Expected replay error")
	}
}

func TestParseSyncPolicy(t *testing.T) {
	for _, s := range []string{"always", "EVERYSEC", "no"} {
		if _, err := ParseSyncPolicy(s); err != nil {
			t.Errorf("ParseSyncPolicy(%q) error = %v", s, err)
		}
	}
	if _, err := ParseSyncPolicy("sometimes"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

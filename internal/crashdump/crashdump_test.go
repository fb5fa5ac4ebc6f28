package crashdump

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

func TestRingKeepsLastHundred(t *testing.T) {
	d := NewDumper(clockwork.NewFakeClock())
	for i := 0; i < 150; i++ {
		d.Log(fmt.Sprintf("entry %d", i))
	}
	state := d.DumpState()
	if strings.Contains(state, "entry 49\n") {
		t.Error("overwritten entry still present")
	}
	if !strings.Contains(state, "entry 50\n") {
		t.Error("oldest surviving entry missing")
	}
	if !strings.Contains(state, "entry 149\n") {
		t.Error("newest entry missing")
	}
	if n := strings.Count(state, "entry "); n != 100 {
		t.Errorf("ring holds %d entries, want 100", n)
	}
}

func TestEmptyRing(t *testing.T) {
	d := NewDumper(clockwork.NewFakeClock())
	if s := d.DumpState(); s != "" {
		t.Errorf("empty ring rendered %q", s)
	}
}

func TestCrashDumpWritesCompressedFile(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	m := NewManager(zap.NewNop())
	d := NewDumper(clockwork.NewFakeClock())
	d.Log("the last thing that happened")
	m.Register("TestTable", d)

	path, err := m.CrashDump()
	if err != nil {
		t.Fatalf("crash dump: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading dump: %v", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	content, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(string(content), "TestTable") {
		t.Error("dumper name missing from dump")
	}
	if !strings.Contains(string(content), "the last thing that happened") {
		t.Error("audit line missing from dump")
	}
}

func TestUnregisterRemovesDumper(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	m := NewManager(zap.NewNop())
	d := NewDumper(clockwork.NewFakeClock())
	d.Log("should not appear")
	m.Register("Gone", d)
	m.Unregister(d)

	path, err := m.CrashDump()
	if err != nil {
		t.Fatalf("crash dump: %v", err)
	}
	raw, _ := os.ReadFile(path)
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	content, _ := io.ReadAll(dec)
	if strings.Contains(string(content), "should not appear") {
		t.Error("unregistered dumper still present")
	}
}

// Package crashdump keeps a bounded audit trail on long-lived components.
// Each registered dumper carries a ring of recent timestamped log lines; on
// a fatal pipeline error the manager concatenates every dumper's state into
// a compressed file under the temp directory.
package crashdump

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const ringSize = 100

// Dumper is embedded by components that want their recent activity in the
// crash dump.
type Dumper struct {
	clock clockwork.Clock
	lines []string
	next  int
	count int
}

func NewDumper(clock clockwork.Clock) *Dumper {
	return &Dumper{clock: clock}
}

// Log appends one line to the ring, overwriting the oldest when full.
func (d *Dumper) Log(msg string) {
	if d.lines == nil {
		d.lines = make([]string, ringSize)
	}
	d.lines[d.next] = d.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z") + " " + msg
	d.next = (d.next + 1) % ringSize
	if d.count < ringSize {
		d.count++
	}
}

// DumpState renders the ring oldest-first.
func (d *Dumper) DumpState() string {
	if d.count == 0 {
		return ""
	}
	s := "Audit Log:\n"
	start := d.next - d.count
	if start < 0 {
		start += ringSize
	}
	for i := 0; i < d.count; i++ {
		s += d.lines[(start+i)%ringSize] + "\n"
	}
	return s
}

// StateDumper is anything the manager can ask for state at crash time.
type StateDumper interface {
	DumpState() string
}

type registration struct {
	name   string
	dumper StateDumper
}

// Manager collects registered dumpers and writes the crash file.
type Manager struct {
	logger  *zap.Logger
	dumpers []registration
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

func (m *Manager) Register(name string, d StateDumper) {
	m.dumpers = append(m.dumpers, registration{name: name, dumper: d})
}

func (m *Manager) Unregister(d StateDumper) {
	for i, reg := range m.dumpers {
		if reg.dumper == d {
			m.dumpers = append(m.dumpers[:i], m.dumpers[i+1:]...)
			return
		}
	}
}

// CrashDump writes the concatenated state of every registered dumper to a
// zstd-compressed file under the temp directory and returns its path.
func (m *Manager) CrashDump() (string, error) {
	name := "bgp_dump"
	if u, err := user.Current(); err == nil {
		name += "." + u.Username
	}
	path := filepath.Join(os.TempDir(), name+".zst")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("crashdump: creating %s: %w", path, err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("crashdump: zstd writer: %w", err)
	}
	defer enc.Close()

	for _, reg := range m.dumpers {
		header := "=================================================================\n" +
			reg.name + "\n" +
			"=================================================================\n"
		if _, err := enc.Write([]byte(header)); err != nil {
			return "", fmt.Errorf("crashdump: writing dump: %w", err)
		}
		if _, err := enc.Write([]byte(reg.dumper.DumpState())); err != nil {
			return "", fmt.Errorf("crashdump: writing dump: %w", err)
		}
	}
	if m.logger != nil {
		m.logger.Info("crash dump written", zap.String("path", path))
	}
	return path, nil
}

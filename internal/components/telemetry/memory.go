package telemetry

import (
	"fmt"
	"sync"
)

// Report is a single report captured by MemoryAPI.
type Report struct {
	Level  string
	ID     string
	Params []any
}

// MemoryAPI is an API that keeps every report in memory, it is meant for tests
// that want to assert that something was (or was not) reported.
type MemoryAPI struct {
	mutex   sync.Mutex
	reports []Report
}

func (m *MemoryAPI) add(level, id string, params []any) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.reports = append(m.reports, Report{Level: level, ID: id, Params: params})
}

func (m *MemoryAPI) ReportBroken(id string, params ...any)  { m.add("broken", id, params) }
func (m *MemoryAPI) ReportWarning(id string, params ...any) { m.add("warning", id, params) }
func (m *MemoryAPI) ReportInfo(msg string, params ...any)   { m.add("info", msg, params) }
func (m *MemoryAPI) ReportDebug(msg string, params ...any)  { m.add("debug", msg, params) }
func (m *MemoryAPI) ReportCount(id string, count int64)     { m.add("count", id, []any{count}) }

// Reports returns every report with the given level.
func (m *MemoryAPI) Reports(level string) []Report {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []Report
	for _, r := range m.reports {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

func (r Report) String() string {
	return fmt.Sprintf("[%s] %s %v", r.Level, r.ID, r.Params)
}

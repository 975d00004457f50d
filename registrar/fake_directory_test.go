package registrar

import (
	"context"
	"sync"

	"svc-registrar/directory"
)

// fakeDirectory is an in-memory directory that counts calls and can be told
// to fail.
type fakeDirectory struct {
	mu      sync.Mutex
	records map[string]directory.Record

	pushes  map[string]int
	removes []string
	lists   int
	closes  int

	pushErr   error
	removeErr error
	listErr   error
	closeErr  error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		records: make(map[string]directory.Record),
		pushes:  make(map[string]int),
	}
}

func (f *fakeDirectory) Push(_ context.Context, record directory.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes[record.ID]++
	if f.pushErr != nil {
		return f.pushErr
	}
	f.records[record.ID] = record
	return nil
}

func (f *fakeDirectory) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.records, id)
	return nil
}

func (f *fakeDirectory) List(_ context.Context, tag string) (map[string]directory.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string]directory.Entry)
	for id, r := range f.records {
		e := directory.Entry{ID: id, Name: r.Name, Tags: r.Tags, Port: r.Port}
		if e.HasTag(tag) {
			out[id] = e
		}
	}
	return out, nil
}

func (f *fakeDirectory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

// set replaces a field under the lock.
func (f *fakeDirectory) set(fn func(f *fakeDirectory)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// forget drops every record, like an agent restart.
func (f *fakeDirectory) forget() {
	f.set(func(f *fakeDirectory) { f.records = make(map[string]directory.Record) })
}

// seed adds a record without counting it as a push.
func (f *fakeDirectory) seed(r directory.Record) {
	f.set(func(f *fakeDirectory) { f.records[r.ID] = r })
}

// resetCounters clears call counters but keeps records.
func (f *fakeDirectory) resetCounters() {
	f.set(func(f *fakeDirectory) {
		f.pushes = make(map[string]int)
		f.removes = nil
		f.lists = 0
	})
}

func (f *fakeDirectory) record(id string) (directory.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok
}

func (f *fakeDirectory) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.records))
	for id := range f.records {
		out = append(out, id)
	}
	return out
}

func (f *fakeDirectory) pushCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes[id]
}

func (f *fakeDirectory) totalPushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.pushes {
		n += c
	}
	return n
}

func (f *fakeDirectory) removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removes...)
}

func (f *fakeDirectory) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

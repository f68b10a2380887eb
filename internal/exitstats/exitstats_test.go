package exitstats

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestRecorderCounts(t *testing.T) {
	col := NewCollector("wfi", "mmio", "fault")
	rec := col.Recorder(0)

	rec.Mark()
	rec.Record(1)
	rec.Record(1)
	rec.Record(2)

	snap := rec.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() returned %d rows, want 3", len(snap))
	}
	if snap[0].Count != 0 || snap[1].Count != 2 || snap[2].Count != 1 {
		t.Errorf("counts = %d/%d/%d, want 0/2/1", snap[0].Count, snap[1].Count, snap[2].Count)
	}
	if snap[1].Name != "mmio" {
		t.Errorf("Snapshot()[1].Name = %q, want mmio", snap[1].Name)
	}
}

func TestRecordOutOfRangeKindIgnored(t *testing.T) {
	col := NewCollector("only")
	rec := col.Recorder(0)

	rec.Record(5)

	if snap := rec.Snapshot(); snap[0].Count != 0 {
		t.Errorf("out-of-range kind recorded: %+v", snap)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	col := NewCollector("wfi", "mmio")
	var buf bytes.Buffer

	closer, err := col.StreamTo(&buf)
	if err != nil {
		t.Fatalf("StreamTo() error = %v", err)
	}

	rec := col.Recorder(3)
	rec.Mark()
	rec.Record(0)
	rec.Record(1)

	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	type row struct {
		cpu  int
		kind string
	}
	var rows []row
	err = ReadAll(&buf, func(cpu int, kind string, d time.Duration) error {
		if d < 0 {
			t.Errorf("negative duration %v", d)
		}
		rows = append(rows, row{cpu: cpu, kind: kind})
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	want := []row{{3, "wfi"}, {3, "mmio"}}
	if len(rows) != len(want) {
		t.Fatalf("ReadAll() yielded %d records, want %d", len(rows), len(want))
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, rows[i], want[i])
		}
	}
}

func TestStreamSingleOpen(t *testing.T) {
	col := NewCollector("a")
	var buf bytes.Buffer

	closer, err := col.StreamTo(&buf)
	if err != nil {
		t.Fatalf("StreamTo() error = %v", err)
	}
	if _, err := col.StreamTo(&buf); err == nil {
		t.Error("second StreamTo() succeeded, want error")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestStreamDetachWhileRecording(t *testing.T) {
	col := NewCollector("wfi", "mmio")

	done := make(chan struct{})
	var wg sync.WaitGroup
	for cpu := 0; cpu < 4; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			rec := col.Recorder(cpu)
			rec.Mark()
			for {
				select {
				case <-done:
					return
				default:
					rec.Record(1)
				}
			}
		}(cpu)
	}

	// Attaching and detaching the trace must never race a recorder
	// into a closed stream channel.
	for i := 0; i < 200; i++ {
		var buf bytes.Buffer
		closer, err := col.StreamTo(&buf)
		if err != nil {
			t.Fatalf("StreamTo() error = %v", err)
		}
		if err := closer.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	close(done)
	wg.Wait()
}

func TestReadAllRejectsBadMagic(t *testing.T) {
	if err := ReadAll(bytes.NewReader(make([]byte, 64)), nil); err == nil {
		t.Error("ReadAll(garbage) succeeded, want error")
	}
}

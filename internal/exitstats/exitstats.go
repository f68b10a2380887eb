// Package exitstats accumulates per-vCPU guest-exit statistics:
// occurrence counts and time spent per exit kind, with an optional
// binary trace stream for offline analysis. A Collector is an
// explicitly owned registry (one per VM or per test), not process-wide
// state.
package exitstats

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x56455853 // "VEXS"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies one registered exit kind within its Collector.
type Kind uint32

type record struct {
	CPU      uint32
	Kind     uint32
	Duration int64
}

// Collector owns the kind table and the optional trace stream shared
// by the recorders of one VM.
type Collector struct {
	kinds []string

	// streamMu orders emit's streaming check plus channel send
	// against the closer's channel close.
	streamMu   sync.RWMutex
	writerChan chan record
	writerDone chan error
	streaming  atomic.Bool
}

// NewCollector creates a collector with a fixed kind table.
func NewCollector(kinds ...string) *Collector {
	return &Collector{kinds: append([]string(nil), kinds...)}
}

// Kinds returns the registered kind names, indexed by Kind.
func (c *Collector) Kinds() []string {
	return append([]string(nil), c.kinds...)
}

// StreamTo starts writing a binary trace of every recorded slice to w.
// Only one stream may be open per collector; the returned closer
// flushes and detaches it.
func (c *Collector) StreamTo(w io.Writer) (io.Closer, error) {
	if !c.streaming.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("exitstats: trace stream already open")
	}

	kinds, err := json.Marshal(c.kinds)
	if err != nil {
		c.streaming.Store(false)
		return nil, fmt.Errorf("exitstats: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(kinds)),
	}); err != nil {
		c.streaming.Store(false)
		return nil, fmt.Errorf("exitstats: write header: %w", err)
	}
	if _, err := w.Write(kinds); err != nil {
		c.streaming.Store(false)
		return nil, fmt.Errorf("exitstats: write kinds: %w", err)
	}

	c.streamMu.Lock()
	c.writerChan = make(chan record, 1024)
	c.writerDone = make(chan error, 1)
	c.streamMu.Unlock()
	go c.writeLoop(w)

	return &streamCloser{c: c}, nil
}

func (c *Collector) writeLoop(w io.Writer) {
	var buf [16]byte
	bw := bufio.NewWriter(w)
	for rec := range c.writerChan {
		binary.LittleEndian.PutUint32(buf[0:4], rec.CPU)
		binary.LittleEndian.PutUint32(buf[4:8], rec.Kind)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Duration))
		if _, err := bw.Write(buf[:]); err != nil {
			c.writerDone <- err
			return
		}
	}
	c.writerDone <- bw.Flush()
}

type streamCloser struct{ c *Collector }

func (s *streamCloser) Close() error {
	s.c.streamMu.Lock()
	if !s.c.streaming.CompareAndSwap(true, false) {
		s.c.streamMu.Unlock()
		return fmt.Errorf("exitstats: already closed")
	}
	close(s.c.writerChan)
	s.c.streamMu.Unlock()
	if err := <-s.c.writerDone; err != nil {
		return fmt.Errorf("exitstats: trace writer: %w", err)
	}
	return nil
}

func (c *Collector) emit(cpu int, kind Kind, d time.Duration) {
	c.streamMu.RLock()
	defer c.streamMu.RUnlock()
	if !c.streaming.Load() {
		return
	}
	select {
	case c.writerChan <- record{CPU: uint32(cpu), Kind: uint32(kind), Duration: d.Nanoseconds()}:
	default:
		// never stall a vCPU on a slow trace sink
	}
}

// Recorder accumulates statistics for one vCPU. Record is called only
// by the vCPU's executor thread; counters are published with atomics
// so the management layer can snapshot concurrently.
type Recorder struct {
	col *Collector
	cpu int

	last      time.Time
	counts    []atomic.Uint64
	durations []atomic.Int64
}

// Recorder creates a per-vCPU recorder bound to the collector.
func (c *Collector) Recorder(cpu int) *Recorder {
	return &Recorder{
		col:       c,
		cpu:       cpu,
		last:      time.Now(),
		counts:    make([]atomic.Uint64, len(c.kinds)),
		durations: make([]atomic.Int64, len(c.kinds)),
	}
}

// Mark resets the recorder's time base without recording, e.g. at run
// entry after the vCPU was suspended.
func (r *Recorder) Mark() {
	r.last = time.Now()
}

// Record attributes the time since the previous mark to kind and
// advances the mark.
func (r *Recorder) Record(kind Kind) {
	d := time.Since(r.last)
	r.last = time.Now()

	if int(kind) >= len(r.counts) {
		return
	}
	r.counts[kind].Add(1)
	r.durations[kind].Add(d.Nanoseconds())
	r.col.emit(r.cpu, kind, d)
}

// KindStats is one row of a recorder snapshot.
type KindStats struct {
	Name  string
	Count uint64
	Total time.Duration
}

// Snapshot returns the accumulated statistics per kind.
func (r *Recorder) Snapshot() []KindStats {
	out := make([]KindStats, len(r.counts))
	for i := range r.counts {
		out[i] = KindStats{
			Name:  r.col.kinds[i],
			Count: r.counts[i].Load(),
			Total: time.Duration(r.durations[i].Load()),
		}
	}
	return out
}

// ReadAll parses a binary trace stream, invoking fn per record.
func ReadAll(r io.Reader, fn func(cpu int, kind string, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Magic != Magic {
		return fmt.Errorf("exitstats: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("exitstats: invalid version")
	}

	var kinds []string
	dec := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if int(rec.Kind) >= len(kinds) {
			return fmt.Errorf("exitstats: unknown kind %d", rec.Kind)
		}
		if err := fn(int(rec.CPU), kinds[rec.Kind], time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

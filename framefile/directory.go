// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framefile

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/framefile/pack"
	"github.com/grailbio/d4/randfile"
)

// EntryKind tags what a Directory entry points at (spec.md §3).
type EntryKind uint8

const (
	// KindVariantLengthStream marks an entry pointing at a Stream.
	KindVariantLengthStream EntryKind = 0
	// KindStreamCluster marks an entry pointing at a nested Directory.
	KindStreamCluster EntryKind = 1
	// KindFixedSized marks an entry pointing at a Blob.
	KindFixedSized EntryKind = 2
)

// Entry is one catalog record of a Directory (spec.md §3).
type Entry struct {
	Kind EntryKind
	// PrimaryOffset is relative to the owning directory's own starting
	// offset, not to the file start.
	PrimaryOffset int64
	PrimarySize   int64
	Name          string
}

func marshalEntry(e Entry) []byte {
	w := pack.NewWriter(18 + len(e.Name) + 1)
	w.PutUint8(1) // present
	w.PutUint8(uint8(e.Kind))
	w.PutUint64(uint64(e.PrimaryOffset))
	w.PutUint64(uint64(e.PrimarySize))
	w.PutCString(e.Name)
	return w.Bytes()
}

// parseEntries reads a sequence of entries from buf, stopping at the first
// present==0 byte (spec.md §3) or at the end of buf. Trailing zero padding
// left by a pre-reserved, only partially used frame naturally decodes as
// present==0, so writers never need to emit an explicit terminator.
func parseEntries(buf []byte) ([]Entry, error) {
	var entries []Entry
	r := pack.NewReader(buf)
	for r.Remaining() > 0 {
		present := r.Uint8()
		if present == 0 {
			break
		}
		if r.Remaining() < 17 {
			return nil, errors.E(errors.Integrity, "framefile: truncated directory entry")
		}
		kind := EntryKind(r.Uint8())
		off := int64(r.Uint64())
		size := int64(r.Uint64())
		name, ok := r.CString()
		if !ok {
			return nil, errors.E(errors.Integrity, "framefile: directory entry name missing NUL terminator")
		}
		entries = append(entries, Entry{Kind: kind, PrimaryOffset: off, PrimarySize: size, Name: name})
	}
	return entries, nil
}

// dirState is the interior-mutable state shared by every clone of a
// Directory handle (spec.md §4.3 "Concurrency").
type dirState struct {
	mu         sync.Mutex
	rf         *randfile.File
	lock       *randfile.Lock // nil for read-only directories
	stream     *Stream        // the directory's own entry-list stream
	selfOffset int64          // absolute file offset this directory's entries are relative to
	entries    []Entry
}

// Directory is a named-entry catalog stored as a Stream (spec.md §4.3).
type Directory struct {
	state *dirState
}

// Clone returns a handle sharing d's interior state; both see the same,
// consistently-updated entry list.
func (d *Directory) Clone() *Directory { return &Directory{state: d.state} }

// CreateDirectory creates a brand-new directory whose entry stream is
// written through lock, starting at the file's current end.
func CreateDirectory(lock *randfile.Lock) (*Directory, error) {
	stream, err := CreateStream(lock, DefaultFirstFrameSize)
	if err != nil {
		return nil, errors.E(err, "framefile.CreateDirectory")
	}
	return &Directory{state: &dirState{
		rf:         lock.File(),
		lock:       lock,
		stream:     stream,
		selfOffset: stream.PrimaryOffset(),
	}}, nil
}

// OpenRoot opens the root directory, whose entry stream begins at
// magicOffset (8, immediately after the 8-byte file magic, per spec.md
// §6) and whose first-frame size is the format's fixed default.
func OpenRoot(rf *randfile.File, magicOffset int64) (*Directory, error) {
	stream := OpenStream(rf, magicOffset, DefaultFirstFrameSize)
	d := &Directory{state: &dirState{rf: rf, stream: stream, selfOffset: magicOffset}}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// openSub opens a previously-written nested directory given its absolute
// (offset, size) coordinates.
func openSub(rf *randfile.File, offset, size int64) (*Directory, error) {
	stream := OpenStream(rf, offset, size)
	d := &Directory{state: &dirState{rf: rf, stream: stream, selfOffset: offset}}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) reload() error {
	buf, err := d.state.stream.ReadAll()
	if err != nil {
		return err
	}
	entries, err := parseEntries(buf)
	if err != nil {
		return err
	}
	d.state.entries = entries
	return nil
}

// Entries returns the directory's current entry list (a fresh read on a
// read-only directory; the cached, append-updated list on a writer).
func (d *Directory) Entries() ([]Entry, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.state.lock == nil {
		if err := d.reload(); err != nil {
			return nil, err
		}
	}
	out := make([]Entry, len(d.state.entries))
	copy(out, d.state.entries)
	return out, nil
}

// Find returns the entry named name, if present.
func (d *Directory) Find(name string) (Entry, bool, error) {
	entries, err := d.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// EntryKind returns the kind of the named entry.
func (d *Directory) EntryKind(name string) (EntryKind, bool, error) {
	e, ok, err := d.Find(name)
	if err != nil || !ok {
		return 0, ok, err
	}
	return e.Kind, true, nil
}

// appendEntry serializes and writes e into this directory's own stream,
// and updates the cached entry list.
func (d *Directory) appendEntry(e Entry) error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.state.lock == nil {
		return errors.E(errors.Precondition, "framefile.Directory: not open for writing")
	}
	if _, err := d.state.stream.Write(marshalEntry(e)); err != nil {
		return err
	}
	d.state.entries = append(d.state.entries, e)
	return nil
}

// NewFixedSizeChunk reserves a size-byte Blob and records it as a
// FixedSized entry named name (spec.md §4.3).
func (d *Directory) NewFixedSizeChunk(name string, size int64) (*Blob, error) {
	d.state.mu.Lock()
	lock := d.state.lock
	self := d.state.selfOffset
	d.state.mu.Unlock()
	if lock == nil {
		return nil, errors.E(errors.Precondition, "framefile.Directory: not open for writing")
	}
	blob, err := CreateBlob(lock, size)
	if err != nil {
		return nil, err
	}
	if err := d.appendEntry(Entry{Kind: KindFixedSized, PrimaryOffset: blob.Offset() - self, PrimarySize: size, Name: name}); err != nil {
		return nil, err
	}
	return blob, nil
}

// NewVariantLengthStream creates a new Stream entry named name, whose
// first frame is frameSize bytes (DefaultFirstFrameSize if <= 0).
func (d *Directory) NewVariantLengthStream(name string, frameSize int64) (*Stream, error) {
	d.state.mu.Lock()
	lock := d.state.lock
	self := d.state.selfOffset
	d.state.mu.Unlock()
	if lock == nil {
		return nil, errors.E(errors.Precondition, "framefile.Directory: not open for writing")
	}
	stream, err := CreateStream(lock, frameSize)
	if err != nil {
		return nil, err
	}
	if err := d.appendEntry(Entry{Kind: KindVariantLengthStream, PrimaryOffset: stream.PrimaryOffset() - self, PrimarySize: stream.PrimarySize(), Name: name}); err != nil {
		return nil, err
	}
	return stream, nil
}

// NewStreamFromFrame creates a new Stream entry named name whose first
// frame is sized to fit data exactly (see CreateStreamFromFrame). This
// is what stab uses for a partition stream: the leading compressed
// block becomes the primary frame, further blocks are appended with
// WriteFrame.
func (d *Directory) NewStreamFromFrame(name string, data []byte) (*Stream, error) {
	d.state.mu.Lock()
	lock := d.state.lock
	self := d.state.selfOffset
	d.state.mu.Unlock()
	if lock == nil {
		return nil, errors.E(errors.Precondition, "framefile.Directory: not open for writing")
	}
	stream, err := CreateStreamFromFrame(lock, data)
	if err != nil {
		return nil, err
	}
	if err := d.appendEntry(Entry{Kind: KindVariantLengthStream, PrimaryOffset: stream.PrimaryOffset() - self, PrimarySize: stream.PrimarySize(), Name: name}); err != nil {
		return nil, err
	}
	return stream, nil
}

// NewStreamCluster creates a nested Directory ("SubDirectory") named name.
// It takes a fresh write-lock token on the shared file, so further writes
// through d (or any of its clones) fail with a locked error until the
// returned directory's Close is called, at which point an entry pointing
// at the subdirectory is appended to d (spec.md §4.3, §5 "Write
// discipline").
func (d *Directory) NewStreamCluster(name string) (*Directory, error) {
	d.state.mu.Lock()
	parentLock := d.state.lock
	self := d.state.selfOffset
	d.state.mu.Unlock()
	if parentLock == nil {
		return nil, errors.E(errors.Precondition, "framefile.Directory: not open for writing")
	}
	// A stale handle must not mint a nested token: File.Lock pushes
	// unconditionally, so check here (spec.md §4.1's token discipline).
	if err := parentLock.CheckCurrent(); err != nil {
		return nil, err
	}

	var childDir *Directory
	childLock := parentLock.File().Lock(func() {
		entry := Entry{
			Kind:          KindStreamCluster,
			PrimaryOffset: childDir.state.selfOffset - self,
			PrimarySize:   childDir.state.stream.PrimarySize(),
			Name:          name,
		}
		if err := d.appendEntry(entry); err != nil {
			// The directory is still the current writer by the time this
			// fires (see randfile.Lock.Release); a failure here means the
			// backend itself is broken, which is unrecoverable.
			panic(errors.E(err, "framefile: failed to record closed stream cluster"))
		}
	})
	dir, err := CreateDirectory(childLock)
	if err != nil {
		childLock.Release()
		return nil, err
	}
	childDir = dir
	return childDir, nil
}

// Close flushes the directory's own entry stream and releases its write
// lock. For a subdirectory created via NewStreamCluster, this is what
// triggers the parent's entry append; it must be called exactly once.
func (d *Directory) Close() error {
	d.state.mu.Lock()
	lock := d.state.lock
	stream := d.state.stream
	d.state.mu.Unlock()
	if lock == nil {
		return nil
	}
	if err := stream.Flush(); err != nil {
		return err
	}
	lock.Release()
	return nil
}

// OpenChunkRO opens the named FixedSized entry as a read-only Blob.
func (d *Directory) OpenChunkRO(name string) (*Blob, error) {
	e, ok, err := d.Find(name)
	if err != nil {
		return nil, err
	}
	if !ok || e.Kind != KindFixedSized {
		return nil, errors.E(errors.NotExist, "framefile.Directory.OpenChunkRO", name)
	}
	return OpenBlob(d.state.rf, d.state.selfOffset+e.PrimaryOffset, e.PrimarySize), nil
}

// OpenStreamRO opens the named VariantLengthStream entry as a read-only
// Stream.
func (d *Directory) OpenStreamRO(name string) (*Stream, error) {
	e, ok, err := d.Find(name)
	if err != nil {
		return nil, err
	}
	if !ok || e.Kind != KindVariantLengthStream {
		return nil, errors.E(errors.NotExist, "framefile.Directory.OpenStreamRO", name)
	}
	return OpenStream(d.state.rf, d.state.selfOffset+e.PrimaryOffset, e.PrimarySize), nil
}

// OpenClusterRO opens the named StreamCluster entry as a read-only
// Directory.
func (d *Directory) OpenClusterRO(name string) (*Directory, error) {
	e, ok, err := d.Find(name)
	if err != nil {
		return nil, err
	}
	if !ok || e.Kind != KindStreamCluster {
		return nil, errors.E(errors.NotExist, "framefile.Directory.OpenClusterRO", name)
	}
	return openSub(d.state.rf, d.state.selfOffset+e.PrimaryOffset, e.PrimarySize)
}

// Visitor is called once per entry during Recurse. path is the slash-joined
// name from the root. Returning false prunes descent into a StreamCluster.
type Visitor func(path string, kind EntryKind) bool

// Recurse performs a depth-first walk of the directory tree rooted at d,
// used for track discovery (spec.md §4.3).
func (d *Directory) Recurse(prefix string, visit Visitor) error {
	entries, err := d.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := e.Name
		if prefix != "" {
			path = prefix + "/" + e.Name
		}
		if !visit(path, e.Kind) {
			continue
		}
		if e.Kind == KindStreamCluster {
			sub, err := d.OpenClusterRO(e.Name)
			if err != nil {
				return err
			}
			if err := sub.Recurse(path, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// SelfOffset is the absolute file offset this directory's entry offsets are
// relative to.
func (d *Directory) SelfOffset() int64 { return d.state.selfOffset }

// Package export writes a read-optimized, bloom-filtered snapshot of a
// NanoKV instance's live keys to a plain file: sorted data blocks, a
// sparse index over them, and a bloom filter for a fast "definitely
// absent" check, closed off by a footer that locates the index and the
// bloom filter (the index in turn locates the data blocks).
// It exists for tooling that wants to inspect or ship a point-in-time
// view of the keyspace without depending on the flash.Device the engine
// itself runs against.
package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultBlockSize is the target size of one data block before a new one
// is started.
const DefaultBlockSize = 4 * 1024

type entryRecord struct {
	key   []byte
	value []byte
}

func (e entryRecord) size() int { return 4 + 4 + len(e.key) + len(e.value) }

type blockPointer struct {
	firstKey []byte
	offset   int64
	size     uint32
}

// Writer builds one export file. Entries must be supplied in ascending
// key order; Writer does not sort.
type Writer struct {
	f            *os.File
	maxBlockSize int
	block        []entryRecord
	blockSize    int
	index        []blockPointer
	bloom        *bloom.BloomFilter
	minKey       []byte
	maxKey       []byte
}

// NewWriter creates (truncating) the export file at path, sized for an
// expected n keys.
func NewWriter(path string, n uint) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export: create %s: %w", path, err)
	}
	if n == 0 {
		n = 1
	}
	return &Writer{
		f:            f,
		maxBlockSize: DefaultBlockSize,
		bloom:        bloom.NewWithEstimates(n, 0.01),
	}, nil
}

// Put appends one live key/value pair. Keys must arrive in ascending
// order.
func (w *Writer) Put(key, value []byte) error {
	if w.minKey == nil {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append([]byte(nil), key...)

	rec := entryRecord{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	if w.blockSize+rec.size() > w.maxBlockSize && len(w.block) > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	w.block = append(w.block, rec)
	w.blockSize += rec.size()
	w.bloom.Add(key)
	return nil
}

func (w *Writer) flushBlock() error {
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w.f, crc)
	for _, e := range w.block {
		if err := binary.Write(mw, binary.LittleEndian, uint32(len(e.key))); err != nil {
			return err
		}
		if err := binary.Write(mw, binary.LittleEndian, uint32(len(e.value))); err != nil {
			return err
		}
		if _, err := mw.Write(e.key); err != nil {
			return err
		}
		if _, err := mw.Write(e.value); err != nil {
			return err
		}
	}
	if err := binary.Write(w.f, binary.LittleEndian, crc.Sum32()); err != nil {
		return err
	}

	end, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	w.index = append(w.index, blockPointer{
		firstKey: append([]byte(nil), w.block[0].key...),
		offset:   start,
		size:     uint32(end - start),
	})
	w.block = w.block[:0]
	w.blockSize = 0
	return nil
}

// Close flushes any buffered block, writes the index, bloom filter and
// footer, and closes the underlying file.
func (w *Writer) Close() error {
	if len(w.block) > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	indexOffset, indexSize, err := w.writeIndex()
	if err != nil {
		return err
	}
	bloomOffset, bloomSize, err := w.writeBloom()
	if err != nil {
		return err
	}
	if err := w.writeFooter(indexOffset, indexSize, bloomOffset, bloomSize); err != nil {
		return err
	}
	return w.f.Close()
}

func (w *Writer) writeIndex() (int64, uint32, error) {
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, err
	}
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w.f, crc)

	if err := binary.Write(mw, binary.LittleEndian, uint32(len(w.index))); err != nil {
		return 0, 0, err
	}
	for _, e := range w.index {
		if err := binary.Write(mw, binary.LittleEndian, uint32(len(e.firstKey))); err != nil {
			return 0, 0, err
		}
		if _, err := mw.Write(e.firstKey); err != nil {
			return 0, 0, err
		}
		if err := binary.Write(mw, binary.LittleEndian, e.offset); err != nil {
			return 0, 0, err
		}
		if err := binary.Write(mw, binary.LittleEndian, e.size); err != nil {
			return 0, 0, err
		}
	}
	if err := binary.Write(w.f, binary.LittleEndian, crc.Sum32()); err != nil {
		return 0, 0, err
	}
	end, err := w.f.Seek(0, io.SeekCurrent)
	return start, uint32(end - start), err
}

func (w *Writer) writeBloom() (int64, uint32, error) {
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, err
	}
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w.f, crc)

	if err := binary.Write(mw, binary.LittleEndian, uint32(w.bloom.K())); err != nil {
		return 0, 0, err
	}
	if err := binary.Write(mw, binary.LittleEndian, uint32(w.bloom.Cap())); err != nil {
		return 0, 0, err
	}
	if _, err := w.bloom.WriteTo(mw); err != nil {
		return 0, 0, err
	}
	if err := binary.Write(w.f, binary.LittleEndian, crc.Sum32()); err != nil {
		return 0, 0, err
	}
	end, err := w.f.Seek(0, io.SeekCurrent)
	return start, uint32(end - start), err
}

func (w *Writer) writeFooter(indexOffset int64, indexSize uint32, bloomOffset int64, bloomSize uint32) error {
	footerStart, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if err := binary.Write(w.f, binary.LittleEndian, indexOffset); err != nil {
		return err
	}
	if err := binary.Write(w.f, binary.LittleEndian, indexSize); err != nil {
		return err
	}
	if err := binary.Write(w.f, binary.LittleEndian, bloomOffset); err != nil {
		return err
	}
	if err := binary.Write(w.f, binary.LittleEndian, bloomSize); err != nil {
		return err
	}
	if err := binary.Write(w.f, binary.LittleEndian, uint16(len(w.minKey))); err != nil {
		return err
	}
	if err := binary.Write(w.f, binary.LittleEndian, uint16(len(w.maxKey))); err != nil {
		return err
	}
	if _, err := w.f.Write(w.minKey); err != nil {
		return err
	}
	if _, err := w.f.Write(w.maxKey); err != nil {
		return err
	}

	// Trailing 8-byte pointer so a reader can find the footer without
	// scanning the whole file backwards.
	return binary.Write(w.f, binary.LittleEndian, footerStart)
}

// Reader opens an export file written by Writer for lookup.
type Reader struct {
	f      *os.File
	blocks []blockPointer
	bloom  *bloom.BloomFilter
}

// Open reads the index and bloom filter of an export file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var footerOffset int64
	if _, err := f.Seek(-8, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	if err := binary.Read(f, binary.LittleEndian, &footerOffset); err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.Seek(footerOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	var indexOffset int64
	var indexSize, bloomSize uint32
	var bloomOffset int64
	var minKeySize, maxKeySize uint16
	for _, dst := range []any{&indexOffset, &indexSize, &bloomOffset, &bloomSize, &minKeySize, &maxKeySize} {
		if err := binary.Read(f, binary.LittleEndian, dst); err != nil {
			f.Close()
			return nil, err
		}
	}

	r := &Reader{f: f}
	if err := r.readIndex(indexOffset); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.readBloom(bloomOffset); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readIndex(offset int64) error {
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	br := bufio.NewReader(r.f)

	var numEntries uint32
	if err := binary.Read(br, binary.LittleEndian, &numEntries); err != nil {
		return err
	}
	r.blocks = make([]blockPointer, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		var keyLen uint32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}
		var blockOffset int64
		var blockSize uint32
		if err := binary.Read(br, binary.LittleEndian, &blockOffset); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &blockSize); err != nil {
			return err
		}
		r.blocks = append(r.blocks, blockPointer{firstKey: key, offset: blockOffset, size: blockSize})
	}
	return nil
}

func (r *Reader) readBloom(offset int64) error {
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	var k, capacity uint32
	if err := binary.Read(r.f, binary.LittleEndian, &k); err != nil {
		return err
	}
	if err := binary.Read(r.f, binary.LittleEndian, &capacity); err != nil {
		return err
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(r.f); err != nil {
		return err
	}
	r.bloom = filter
	return nil
}

// MayContain reports whether key could be present, with no false
// negatives; a false return is a proof of absence without reading any
// data block.
func (r *Reader) MayContain(key []byte) bool {
	return r.bloom.Test(key)
}

// Get scans the data block that could hold key and returns its value.
// An absent key yields (nil, false, nil).
func (r *Reader) Get(key []byte) ([]byte, bool, error) {
	if !r.MayContain(key) {
		return nil, false, nil
	}
	for i := len(r.blocks) - 1; i >= 0; i-- {
		if string(r.blocks[i].firstKey) <= string(key) {
			return r.scanBlock(r.blocks[i], key)
		}
	}
	if len(r.blocks) == 0 {
		return nil, false, nil
	}
	return r.scanBlock(r.blocks[0], key)
}

func (r *Reader) scanBlock(bp blockPointer, key []byte) ([]byte, bool, error) {
	buf := make([]byte, bp.size)
	if _, err := r.f.ReadAt(buf, bp.offset); err != nil {
		return nil, false, err
	}
	payload := buf[:len(buf)-4] // trailing crc32
	for off := 0; off < len(payload); {
		keyLen := binary.LittleEndian.Uint32(payload[off:])
		valLen := binary.LittleEndian.Uint32(payload[off+4:])
		off += 8
		k := payload[off : off+int(keyLen)]
		off += int(keyLen)
		v := payload[off : off+int(valLen)]
		off += int(valLen)
		if string(k) == string(key) {
			return append([]byte(nil), v...), true, nil
		}
	}
	return nil, false, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

package persist

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/pingcap/errors"
	"github.com/tinytxn/tinytxn/tx/txn"
)

// Fixed-width big-endian primitives shared by the edit and snapshot codecs.
// The formats are byte-exact contracts, so this stays hand-rolled instead of
// going through a reflective serializer.

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return errors.Trace(err)
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Trace(err)
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Trace(err)
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Trace(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Trace(err)
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Trace(err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return errors.Trace(err)
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Trace(err)
	}
	return buf[0], nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return errors.Trace(err)
}

// maxDecodedLen bounds length prefixes read from disk, so a corrupt prefix
// fails fast instead of attempting a giant allocation.
const maxDecodedLen = 64 << 20

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedLen {
		return nil, errors.Errorf("length prefix %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

func writeInt64Slice(w io.Writer, s []int64) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := writeInt64(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readInt64Slice(r io.Reader) ([]int64, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedLen/8 {
		return nil, errors.Errorf("slice length %d exceeds limit", n)
	}
	s := make([]int64, n)
	for i := range s {
		if s[i], err = readInt64(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func writeChangeSet(w io.Writer, set txn.ChangeSet) error {
	if err := writeUint32(w, uint32(len(set))); err != nil {
		return err
	}
	// Deterministic output: change ids in byte order.
	ids := make([]string, 0, len(set))
	for c := range set {
		ids = append(ids, string(c))
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := writeBytes(w, []byte(id)); err != nil {
			return err
		}
	}
	return nil
}

func readChangeSet(r io.Reader) (txn.ChangeSet, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedLen/8 {
		return nil, errors.Errorf("change-set size %d exceeds limit", n)
	}
	set := make(txn.ChangeSet, n)
	for i := uint32(0); i < n; i++ {
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		set[txn.NewChangeID(b)] = struct{}{}
	}
	return set, nil
}

func writeChangeSetMap(w io.Writer, m map[int64]txn.ChangeSet) error {
	if err := writeUint32(w, uint32(len(m))); err != nil {
		return err
	}
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if err := writeInt64(w, k); err != nil {
			return err
		}
		if err := writeChangeSet(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func readChangeSetMap(r io.Reader) (map[int64]txn.ChangeSet, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedLen/8 {
		return nil, errors.Errorf("change-set map size %d exceeds limit", n)
	}
	m := make(map[int64]txn.ChangeSet, n)
	for i := uint32(0); i < n; i++ {
		k, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		set, err := readChangeSet(r)
		if err != nil {
			return nil, err
		}
		m[k] = set
	}
	return m, nil
}

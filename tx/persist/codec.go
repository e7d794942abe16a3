package persist

import (
	"bytes"
	"io"
	"time"

	"github.com/tinytxn/tinytxn/tx/txn"
)

var snapshotMagic = [4]byte{'T', 'X', 'S', 'P'}

// Codec encodes and decodes a snapshot body of one format version. The
// header (magic + version byte) is owned by the provider.
type Codec interface {
	Version() byte
	Encode(w io.Writer, snapshot *TransactionSnapshot) error
	Decode(r io.Reader) (*TransactionSnapshot, error)
	// DecodeVisibility reads only the visibility prefix. It must succeed
	// even when the change-set tail is corrupt or truncated.
	DecodeVisibility(r io.Reader) (*TransactionVisibilityState, error)
}

// CodecProvider selects a codec by the version byte read from the stream.
// Producers always write with the newest registered codec; readers accept any
// registered version.
type CodecProvider struct {
	byVersion map[byte]Codec
	latest    Codec
}

// NewCodecProvider registers the given codecs. The codec with the highest
// version becomes the encoding codec.
func NewCodecProvider(codecs ...Codec) *CodecProvider {
	p := &CodecProvider{byVersion: make(map[byte]Codec, len(codecs))}
	for _, c := range codecs {
		p.byVersion[c.Version()] = c
		if p.latest == nil || c.Version() > p.latest.Version() {
			p.latest = c
		}
	}
	return p
}

// DefaultCodecProvider registers every codec this build knows about.
func DefaultCodecProvider() *CodecProvider {
	return NewCodecProvider(NewSnapshotCodecV1(0), NewSnapshotCodecV2())
}

// Encode writes the snapshot with the latest codec, header included.
func (p *CodecProvider) Encode(w io.Writer, snapshot *TransactionSnapshot) error {
	if p.latest == nil {
		return txn.NewError(txn.ErrSnapshotFailure, "no snapshot codec registered")
	}
	return p.EncodeWith(w, snapshot, p.latest.Version())
}

// EncodeWith writes the snapshot with a specific registered version.
func (p *CodecProvider) EncodeWith(w io.Writer, snapshot *TransactionSnapshot, version byte) error {
	codec, ok := p.byVersion[version]
	if !ok {
		return txn.NewErrorf(txn.ErrSnapshotFailure, "snapshot codec version %d not registered", version)
	}
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return txn.WrapError(txn.ErrSnapshotFailure, err, "write snapshot header")
	}
	if err := writeByte(w, codec.Version()); err != nil {
		return txn.WrapError(txn.ErrSnapshotFailure, err, "write snapshot header")
	}
	if err := codec.Encode(w, snapshot); err != nil {
		return txn.WrapError(txn.ErrSnapshotFailure, err, "encode snapshot")
	}
	return nil
}

func (p *CodecProvider) codecFor(r io.Reader) (Codec, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, txn.WrapError(txn.ErrSnapshotFailure, err, "read snapshot header")
	}
	if magic != snapshotMagic {
		return nil, txn.NewError(txn.ErrSnapshotFailure, "bad snapshot magic")
	}
	version, err := readByte(r)
	if err != nil {
		return nil, txn.WrapError(txn.ErrSnapshotFailure, err, "read snapshot version")
	}
	codec, ok := p.byVersion[version]
	if !ok {
		return nil, txn.NewErrorf(txn.ErrSnapshotFailure, "snapshot codec version %d not registered", version)
	}
	return codec, nil
}

// Decode reads a full snapshot, selecting the codec by the version byte.
func (p *CodecProvider) Decode(r io.Reader) (*TransactionSnapshot, error) {
	codec, err := p.codecFor(r)
	if err != nil {
		return nil, err
	}
	snapshot, err := codec.Decode(r)
	if err != nil {
		return nil, txn.WrapError(txn.ErrSnapshotFailure, err, "decode snapshot")
	}
	return snapshot, nil
}

// DecodeVisibility reads only the visibility prefix of a snapshot.
func (p *CodecProvider) DecodeVisibility(r io.Reader) (*TransactionVisibilityState, error) {
	codec, err := p.codecFor(r)
	if err != nil {
		return nil, err
	}
	state, err := codec.DecodeVisibility(r)
	if err != nil {
		return nil, txn.WrapError(txn.ErrSnapshotFailure, err, "decode snapshot visibility state")
	}
	return state, nil
}

// EncodeToBytes is a convenience for callers that need the snapshot as one
// buffer, e.g. to serve it over the wire.
func (p *CodecProvider) EncodeToBytes(snapshot *TransactionSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf, snapshot); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TxExpirationFromWritePointer derives the expected expiration of a
// transaction from its write pointer and a timeout: the write pointer embeds
// the start time in millis.
func TxExpirationFromWritePointer(writePointer int64, timeout time.Duration) int64 {
	return writePointer/txn.MaxTxPerMS + timeout.Milliseconds()
}

// Package checkpoint persists a DQNLearner snapshot plus RNG state as an opaque,
// versioned, length-prefixed binary blob with a sidecar JSON metadata record,
// tracking the best-so-far checkpoint and enforcing a max_versions cap that never
// evicts it. The crash-safe write pattern (write to a .tmp file, back up any
// existing file to "~", then rename) follows the openWriterAndBackup/
// renameToFinal pattern common to Go training-loop checkpointers, and the
// length-prefixed gob framing generalizes a plain gob.NewEncoder match-file
// format to a magic-tagged, format-versioned record.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/dqn"
	"github.com/AnthonyKot/chess-rl/internal/generics"
	"github.com/AnthonyKot/chess-rl/internal/rngstreams"
)

// magic identifies a chess-rl checkpoint blob.
var magic = [4]byte{'C', 'R', 'L', 'X'}

// Format tags identify the network.Network backend family a checkpoint's parameters
// were produced by: the store must detect the tag on load and route to the
// matching deserializer. These are independent of internal/action's
// FormatTagDenseFromTo64x64 (the action-space layout), recorded separately in
// Metadata.ActionFormatTag.
const (
	FormatTagDensenet byte = 1
	FormatTagGomlxnet byte = 2
)

// BackendTagFor maps a network.Params' BackendTag string to this store's one-byte
// FormatTag. Unknown backends are rejected at Save time rather than silently
// defaulting: silent format reinterpretation is forbidden.
func BackendTagFor(backendTag string) (byte, error) {
	switch backendTag {
	case "densenet-v1":
		return FormatTagDensenet, nil
	case "gomlxnet-v1":
		return FormatTagGomlxnet, nil
	default:
		return 0, errors.Wrapf(chesserr.ErrCheckpointFormatMismatch, "checkpoint: unrecognized network backend tag %q", backendTag)
	}
}

// RNGState holds the master seed plus, optionally, the saved derivation seeds of
// named streams. The controller fills Master only and leaves Streams empty.
type RNGState struct {
	Master      uint64
	Streams     map[string]rngstreams.State
}

// Payload is the gob-encoded body of a checkpoint blob: the learner snapshot, the
// RNG state, and the iteration ordinal a resumed run continues from. The replay
// store's contents are not part of it.
type Payload struct {
	Learner   dqn.Snapshot
	RNG       RNGState
	Iteration int
}

// Metadata is the sidecar record describing a saved checkpoint.
type Metadata struct {
	ID               string
	Iteration        int
	Performance      float64
	IsBest           bool
	CreatedAt        time.Time
	FormatTag        byte
	ActionFormatTag  string
	Description      string
	SeedConfigHash   string
}

// Store is CheckpointStore.
type Store struct {
	dir         string
	maxVersions int

	best *Metadata
	all  map[string]Metadata
}

// Open constructs a Store rooted at dir, scanning any existing *.meta.json sidecars
// to rebuild its in-memory index (so a resumed process sees prior checkpoints).
func Open(dir string, maxVersions int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: failed to create checkpoint_dir %q", dir)
	}
	s := &Store{dir: dir, maxVersions: maxVersions, all: make(map[string]Metadata)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: failed to read checkpoint_dir")
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		meta, err := readMetaFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		s.all[meta.ID] = meta
		if s.best == nil || meta.Performance > s.best.Performance {
			m := meta
			s.best = &m
		}
	}
	return s, nil
}

func readMetaFile(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (s *Store) blobPath(id string) string { return filepath.Join(s.dir, id+".ckpt") }
func (s *Store) metaPath(id string) string { return filepath.Join(s.dir, id+".meta.json") }

// Save persists payload and returns the new checkpoint's id. meta's ID,
// CreatedAt, and FormatTag are assigned/overwritten by Save; IsBest is computed
// by comparing meta.Performance against the current best, and the running best
// pointer is updated incrementally as each save completes. A save that fails to
// write either file returns an error and never updates best: checkpoints that
// fail to save are never marked best.
func (s *Store) Save(payload Payload, formatTag byte, meta Metadata) (string, error) {
	meta.CreatedAt = time.Now().UTC()
	meta.FormatTag = formatTag

	blob, err := encodeBlob(formatTag, payload)
	if err != nil {
		return "", errors.Wrap(err, "checkpoint: failed to encode payload")
	}

	// The id is the iteration ordinal plus a name-based UUID hashed from the
	// encoded blob, so identical payloads always get identical ids.
	id := fmt.Sprintf("iter%04d-%s", payload.Iteration, uuid.NewSHA1(uuid.Nil, blob))
	meta.ID = id

	if err := writeCrashSafe(s.blobPath(id), blob); err != nil {
		return "", errors.Wrap(err, "checkpoint: failed to write blob")
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "checkpoint: failed to marshal metadata")
	}
	if err := writeCrashSafe(s.metaPath(id), metaJSON); err != nil {
		return "", errors.Wrap(err, "checkpoint: failed to write metadata sidecar")
	}

	meta.IsBest = s.best == nil || meta.Performance > s.best.Performance
	if meta.IsBest {
		m := meta
		s.best = &m
		// Rewrite the sidecar with IsBest now known; a failure here is ignored
		// and does not unwind the already-durable save (Open recomputes the best
		// from Performance, not from IsBest).
		if metaJSON, err := json.MarshalIndent(meta, "", "  "); err == nil {
			_ = os.WriteFile(s.metaPath(id), metaJSON, 0o644)
		}
	}
	s.all[id] = meta

	s.enforceMaxVersions()
	return id, nil
}

// LoadResult is what Load/LoadByPath return.
type LoadResult struct {
	Payload  Payload
	Metadata Metadata
}

// Load reads the checkpoint id, requiring its FormatTag to match targetBackend:
// success requires the format tag to be compatible with the target backend.
func (s *Store) Load(id string, targetBackend byte) (LoadResult, error) {
	if _, ok := s.all[id]; !ok {
		return LoadResult{}, errors.Errorf("checkpoint: unknown id %q", id)
	}
	return s.LoadByPath(s.blobPath(id), targetBackend)
}

// LoadByPath loads a blob directly from path, bypassing the in-memory index; Load
// calls it once id is found in that index.
func (s *Store) LoadByPath(path string, targetBackend byte) (LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, errors.Wrap(err, "checkpoint: failed to read blob")
	}
	payload, tag, err := decodeBlob(data)
	if err != nil {
		return LoadResult{}, err
	}
	if tag != targetBackend {
		return LoadResult{}, errors.Wrapf(chesserr.ErrCheckpointFormatMismatch,
			"checkpoint: blob format_tag=%d is not compatible with requested backend=%d", tag, targetBackend)
	}

	id := idFromBlobPath(path)
	meta := s.all[id]
	return LoadResult{Payload: payload, Metadata: meta}, nil
}

func idFromBlobPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Best returns the best-performing checkpoint ever saved, if any.
func (s *Store) Best() (Metadata, bool) {
	if s.best == nil {
		return Metadata{}, false
	}
	return *s.best, true
}

// List returns every checkpoint's metadata, most recent first. Iteration is in
// sorted-ID order before the stable sort, so the listing is deterministic even
// when several checkpoints share a CreatedAt timestamp.
func (s *Store) List() []Metadata {
	out := make([]Metadata, 0, len(s.all))
	for _, m := range generics.SortedKeysAndValues(s.all) {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListByBackend filters List to checkpoints with the given format tag.
func (s *Store) ListByBackend(tag byte) []Metadata {
	var out []Metadata
	for _, m := range s.List() {
		if m.FormatTag == tag {
			out = append(out, m)
		}
	}
	return out
}

// Delete removes a checkpoint. Deleting the current best fails: the
// best-performing checkpoint ever saved is never evicted, and a deletion that
// would violate that must fail.
func (s *Store) Delete(id string) error {
	if s.best != nil && s.best.ID == id {
		return errors.Errorf("checkpoint: refusing to delete %q, it is the best-performing checkpoint", id)
	}
	if _, ok := s.all[id]; !ok {
		return errors.Errorf("checkpoint: unknown id %q", id)
	}
	delete(s.all, id)
	_ = os.Remove(s.blobPath(id))
	_ = os.Remove(s.metaPath(id))
	return nil
}

// enforceMaxVersions evicts the worst-performing non-best checkpoints once the
// store exceeds maxVersions. Candidates are gathered in sorted-ID order so
// eviction is deterministic under performance ties.
func (s *Store) enforceMaxVersions() {
	if s.maxVersions <= 0 || len(s.all) <= s.maxVersions {
		return
	}
	candidates := make([]Metadata, 0, len(s.all))
	for _, m := range generics.SortedKeysAndValues(s.all) {
		if s.best != nil && m.ID == s.best.ID {
			continue
		}
		candidates = append(candidates, m)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Performance < candidates[j].Performance })

	excess := len(s.all) - s.maxVersions
	for i := 0; i < excess && i < len(candidates); i++ {
		_ = s.Delete(candidates[i].ID)
	}
}

// encodeBlob writes the 4-byte magic, 1-byte format tag, then a length-prefixed gob
// stream of payload.
func encodeBlob(formatTag byte, payload Payload) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(payload); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(magic[:])
	out.WriteByte(formatTag)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func decodeBlob(data []byte) (Payload, byte, error) {
	if len(data) < 4+1+8 {
		return Payload{}, 0, errors.New("checkpoint: blob too short to contain a header")
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return Payload{}, 0, errors.Wrap(chesserr.ErrCheckpointFormatMismatch, "checkpoint: bad magic")
	}
	formatTag := data[4]
	length := binary.BigEndian.Uint64(data[5:13])
	body := data[13:]
	if uint64(len(body)) < length {
		return Payload{}, 0, errors.New("checkpoint: blob truncated")
	}

	var payload Payload
	if err := gob.NewDecoder(bytes.NewReader(body[:length])).Decode(&payload); err != nil {
		return Payload{}, 0, errors.Wrap(err, "checkpoint: failed to decode payload")
	}
	return payload, formatTag, nil
}

// writeCrashSafe writes to path+".tmp", backs up any existing path to path+"~",
// then renames the tmp file into place.
func writeCrashSafe(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write temporary file %q", tmp)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+"~"); err != nil {
			return errors.Wrapf(err, "failed backing up, while renaming %q to %q", path, path+"~")
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed renaming generated file to final name, while renaming %q to %q", tmp, path)
	}
	return nil
}

package store

import (
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"strconv"
)

// ErrCorruptCheckpoint is returned by Load when the checkpoint files are inconsistent.
var ErrCorruptCheckpoint = errors.New("corrupt examples checkpoint")

const (
	// BoardsSuffix is the suffix of the file with one board tensor per row.
	BoardsSuffix = ".parquet"

	// MetadataSuffix is the suffix of the file with one metadata row per board, in the same order:
	// [policy..., mover, value, iteration].
	MetadataSuffix = ".meta.parquet"

	// LatestBaseName is the base name of the examples file written every iteration.
	LatestBaseName = "examples"

	schemaVersion = "a0selfplay_examples_v1"

	// Metadata keys.
	keySchema     = "schema"
	keyActionSize = "action_size"
)

// LatestPath returns the base path of the examples file written every iteration in dir.
func LatestPath(dir string) string {
	return filepath.Join(dir, LatestBaseName)
}

// CheckpointPath returns the base path of the periodic checkpoint of the given iteration in dir.
func CheckpointPath(dir string, iteration int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%07d", LatestBaseName, iteration))
}

type boardRow struct {
	Board []float32 `parquet:"board"`
}

type metadataRow struct {
	Row []float32 `parquet:"row"`
}

// Save the store to basePath+BoardsSuffix and basePath+MetadataSuffix.
//
// The files are first written to temporary files, then renamed into place. Previous files are kept with
// a "~" suffix. Extra key/value metadata (e.g. run id) is stored in the metadata file.
func (s *Store) Save(basePath string, metadata map[string]string) error {
	if err := s.CheckInvariants(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", basePath)
	}

	examples := s.Examples()
	actionSize := s.ActionSize()
	boards := make([]boardRow, len(examples))
	metas := make([]metadataRow, len(examples))
	for ii, example := range examples {
		boards[ii].Board = example.Board
		row := make([]float32, 0, actionSize+3)
		row = append(row, example.Policy...)
		row = append(row, float32(example.Player), example.Value, float32(example.Iteration))
		metas[ii].Row = row
	}

	kvOptions := []parquet.WriterOption{
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata(keySchema, schemaVersion),
		parquet.KeyValueMetadata(keyActionSize, strconv.Itoa(actionSize)),
	}
	for key, value := range metadata {
		kvOptions = append(kvOptions, parquet.KeyValueMetadata(key, value))
	}

	boardsPath, metaPath := basePath+BoardsSuffix, basePath+MetadataSuffix
	if err := parquet.WriteFile(boardsPath+".tmp", boards,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata(keySchema, schemaVersion),
	); err != nil {
		return errors.Wrapf(err, "failed to write boards to %q", boardsPath)
	}
	if err := parquet.WriteFile(metaPath+".tmp", metas, kvOptions...); err != nil {
		return errors.Wrapf(err, "failed to write examples metadata to %q", metaPath)
	}
	for _, path := range []string{boardsPath, metaPath} {
		if err := replaceWithBackup(path); err != nil {
			return err
		}
	}
	klog.V(1).Infof("Saved %d examples to %s", len(examples), basePath)
	return nil
}

// replaceWithBackup moves path to path+"~", if it exists, and path+".tmp" to path.
func replaceWithBackup(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+"~"); err != nil {
			return errors.Wrapf(err, "failed to backup %q", path)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %q", path)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return errors.Wrapf(err, "failed to rename temporary file to %q", path)
	}
	return nil
}

// Load a store saved with Store.Save. Fingerprints are recomputed from the boards.
// It also returns the key/value metadata saved along.
func Load(basePath string) (*Store, map[string]string, error) {
	boards, _, err := readParquet[boardRow](basePath + BoardsSuffix)
	if err != nil {
		return nil, nil, err
	}
	metas, metadata, err := readParquet[metadataRow](basePath + MetadataSuffix)
	if err != nil {
		return nil, nil, err
	}
	if schema := metadata[keySchema]; schema != schemaVersion {
		return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: unknown schema %q", basePath, schema)
	}
	if len(boards) != len(metas) {
		return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: %d boards but %d metadata rows",
			basePath, len(boards), len(metas))
	}
	actionSize, err := strconv.Atoi(metadata[keyActionSize])
	if err != nil {
		return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: invalid action size %q", basePath, metadata[keyActionSize])
	}

	s := New()
	boardSize := -1
	for ii := range boards {
		board, row := boards[ii].Board, metas[ii].Row
		if boardSize == -1 {
			boardSize = len(board)
		}
		if len(board) != boardSize {
			return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: board #%d has %d values, previous boards had %d",
				basePath, ii, len(board), boardSize)
		}
		if len(row) != actionSize+3 {
			return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: metadata row #%d has %d values, expected %d",
				basePath, ii, len(row), actionSize+3)
		}
		player := game.Player(row[actionSize])
		if player != game.PlayerFirst && player != game.PlayerSecond {
			return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: invalid player %g in row #%d", basePath, row[actionSize], ii)
		}
		s.Insert(game.Example{
			Fingerprint: game.FingerprintOf(board),
			Board:       board,
			Player:      player,
			Policy:      row[:actionSize:actionSize],
			Value:       row[actionSize+1],
			Iteration:   int(row[actionSize+2]),
		})
	}
	if s.Len() != len(boards) {
		klog.Warningf("%s: %d rows but only %d distinct boards", basePath, len(boards), s.Len())
	}
	delete(metadata, keySchema)
	delete(metadata, keyActionSize)
	return s, metadata, nil
}

// readParquet reads all rows of the file, and its key/value metadata.
func readParquet[T any](path string) (rows []T, metadata map[string]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	stat, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to stat %q", path)
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%q: %v", path, err)
	}
	metadata = make(map[string]string)
	for _, kv := range pf.Metadata().KeyValueMetadata {
		metadata[kv.Key] = kv.Value
	}

	reader := parquet.NewGenericReader[T](pf)
	defer func() { _ = reader.Close() }()
	rows = make([]T, reader.NumRows())
	var numRead int
	for numRead < len(rows) {
		n, err := reader.Read(rows[numRead:])
		numRead += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, errors.Wrapf(err, "failed to read %q", path)
		}
		if n == 0 {
			break
		}
	}
	if numRead != len(rows) {
		return nil, nil, errors.Wrapf(ErrCorruptCheckpoint, "%q: read %d of %d rows", path, numRead, len(rows))
	}
	return rows, metadata, nil
}

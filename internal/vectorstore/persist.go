package vectorstore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	bolt "go.etcd.io/bbolt"

	"label-rag/internal/helper"
	"label-rag/internal/models"
)

var (
	bucketMeta   = []byte("meta")
	bucketChunks = []byte("chunks")

	keyModel     = []byte("model")
	keyDimension = []byte("dimension")
	keyCount     = []byte("count")
)

// vecMagic prefixes every vector file.
var vecMagic = [4]byte{'L', 'R', 'V', '1'}

// maxDimension bounds the vector width accepted from a sidecar.
const maxDimension = 1 << 16

// Paths returns the vector file and the chunk sidecar for a document name.
func Paths(dir, name string) (vecPath, dbPath string) {
	stem := filepath.Join(dir, helper.SanitizeName(name))
	return stem + ".vec", stem + ".db"
}

// Save writes the vectors to {name}.vec and the chunks plus model
// identifier and dimension to the bbolt sidecar {name}.db.
func (x *Index) Save(dir, name string) error {
	const op = "vectorstore.Save"

	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.built {
		return models.NotBuiltError(op)
	}
	if err := helper.CreateFolder(dir); err != nil {
		return err
	}

	vecPath, dbPath := Paths(dir, name)
	if err := writeVectorsAtomic(vecPath, x.vectors, x.dim); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := writeSidecar(dbPath, x.model, x.dim, x.chunks); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Debug().Str("vectors", vecPath).Str("sidecar", dbPath).Int("chunks", len(x.chunks)).Msg("Index saved")
	return nil
}

// Load reconstructs an index saved under name. A missing or unreadable file
// is a NotFoundError; a different embedding model is a ConfigurationError.
func Load(dir, name string, embedder embeddings.Embedder, model string) (*Index, error) {
	x := New(embedder, model)
	if err := x.Load(dir, name); err != nil {
		return nil, err
	}
	return x, nil
}

// Load replaces the contents of x with the index saved under name.
func (x *Index) Load(dir, name string) error {
	const op = "vectorstore.Load"
	vecPath, dbPath := Paths(dir, name)

	// bbolt creates missing files, so check both before opening.
	for _, p := range []string{vecPath, dbPath} {
		if _, err := os.Stat(p); err != nil {
			return models.NotFoundError(op, "no persisted index for "+name, err)
		}
	}

	storedModel, dim, chunks, err := readSidecar(dbPath)
	if err != nil {
		return models.NotFoundError(op, "corrupt index sidecar "+dbPath, err)
	}
	if x.model != "" && storedModel != "" && storedModel != x.model {
		return models.ConfigurationError(op, fmt.Sprintf("index was built with %q, configured model is %q", storedModel, x.model), nil)
	}
	vectors, err := readVectors(vecPath, dim, len(chunks))
	if err != nil {
		return models.NotFoundError(op, "corrupt vector file "+vecPath, err)
	}

	x.set(chunks, vectors, dim)
	log.Debug().Str("document", name).Int("chunks", len(chunks)).Int("dimension", dim).Msg("Index loaded")
	return nil
}

// Remove deletes the persisted files of name. Missing files are ignored.
func Remove(dir, name string) error {
	vecPath, dbPath := Paths(dir, name)
	var errs []error
	for _, p := range []string{vecPath, dbPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeVectorsAtomic(path string, vectors [][]float32, dim int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-*.vec")
	if err != nil {
		return fmt.Errorf("create temp vectors: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := encodeVectors(w, vectors, dim); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp vectors: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush temp vectors: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp vectors: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp vectors: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp vectors: %w", err)
	}
	return nil
}

// encodeVectors writes magic, dimension and count as little-endian uint32,
// then every component as a little-endian float32.
func encodeVectors(w io.Writer, vectors [][]float32, dim int) error {
	if _, err := w.Write(vecMagic[:]); err != nil {
		return err
	}
	header := []uint32{uint32(dim), uint32(len(vectors))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	buf := make([]byte, 4*dim)
	for _, v := range vectors {
		for i, f := range v {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readVectors(path string, dim, count int) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeVectors(bufio.NewReader(f), dim, count)
}

func decodeVectors(r io.Reader, dim, count int) ([][]float32, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != vecMagic {
		return nil, fmt.Errorf("bad magic %q", magic[:])
	}
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if int(header[0]) != dim || int(header[1]) != count {
		return nil, fmt.Errorf("vector file holds %d x %d, sidecar expects %d x %d", header[1], header[0], count, dim)
	}

	vectors := make([][]float32, count)
	buf := make([]byte, 4*dim)
	for i := range vectors {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		vectors[i] = v
	}
	return vectors, nil
}

func writeSidecar(path, model string, dim int, chunks []models.Chunk) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open sidecar: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketChunks} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		if err := meta.Put(keyModel, []byte(model)); err != nil {
			return err
		}
		if err := meta.Put(keyDimension, []byte(strconv.Itoa(dim))); err != nil {
			return err
		}
		if err := meta.Put(keyCount, []byte(strconv.Itoa(len(chunks)))); err != nil {
			return err
		}

		b, err := tx.CreateBucket(bucketChunks)
		if err != nil {
			return err
		}
		for i, c := range chunks {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.Put(chunkKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func readSidecar(path string) (model string, dim int, chunks []models.Chunk, err error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return "", 0, nil, fmt.Errorf("open sidecar: %w", err)
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		b := tx.Bucket(bucketChunks)
		if meta == nil || b == nil {
			return errors.New("missing buckets")
		}
		model = string(meta.Get(keyModel))
		if dim, err = strconv.Atoi(string(meta.Get(keyDimension))); err != nil {
			return fmt.Errorf("dimension: %w", err)
		}
		count, err := strconv.Atoi(string(meta.Get(keyCount)))
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if count < 0 {
			return fmt.Errorf("negative count %d", count)
		}
		if dim < 0 || dim > maxDimension || (count > 0 && dim == 0) {
			return fmt.Errorf("implausible dimension %d for %d chunks", dim, count)
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var chunk models.Chunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return fmt.Errorf("chunk %x: %w", k, err)
			}
			chunks = append(chunks, chunk)
		}
		if len(chunks) != count {
			return fmt.Errorf("sidecar holds %d chunks, meta says %d", len(chunks), count)
		}
		return nil
	})
	return model, dim, chunks, err
}

// chunkKey is big-endian so the cursor walks chunks in insertion order.
func chunkKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/hodei/pipelines/pkg/types"
)

// MaxChunkSize bounds artifact chunk payloads on the stream
const MaxChunkSize = 64 * 1024

// Checksum returns the hex SHA-256 of content. Artifact checksums are always
// computed over the decompressed bytes.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ChunkArtifact encodes content for transfer and splits it into ordered
// chunks of at most MaxChunkSize. An empty artifact yields a single empty
// final chunk so the receiver still sees a transfer.
func ChunkArtifact(jobID, artifactID string, content []byte, encoding types.ArtifactEncoding, destPath string) ([]*ArtifactChunk, error) {
	checksum := Checksum(content)

	payload := content
	switch encoding {
	case "", types.ArtifactEncodingRaw:
		encoding = types.ArtifactEncodingRaw
	case types.ArtifactEncodingGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(content); err != nil {
			return nil, fmt.Errorf("compress artifact %s: %w", artifactID, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress artifact %s: %w", artifactID, err)
		}
		payload = buf.Bytes()
	default:
		return nil, fmt.Errorf("unknown artifact encoding: %s", encoding)
	}

	var chunks []*ArtifactChunk
	for seq := 0; ; seq++ {
		end := min(len(payload), MaxChunkSize)
		data := payload[:end]
		payload = payload[end:]

		chunks = append(chunks, &ArtifactChunk{
			JobID:           jobID,
			ArtifactID:      artifactID,
			Seq:             seq,
			Data:            data,
			Last:            len(payload) == 0,
			Encoding:        encoding,
			Checksum:        checksum,
			TotalSize:       int64(len(content)),
			DestinationPath: destPath,
		})
		if len(payload) == 0 {
			return chunks, nil
		}
	}
}

// Assembled is a fully received and verified artifact
type Assembled struct {
	JobID           string
	ArtifactID      string
	Content         []byte
	DestinationPath string
}

// Assembler reassembles artifact transfers from in-order chunks. One
// assembler serves one session; transfers for different artifacts may
// interleave.
type Assembler struct {
	pending map[string]*transfer
}

type transfer struct {
	buf     bytes.Buffer
	nextSeq int
}

// NewAssembler creates an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*transfer)}
}

// Add consumes one chunk. It returns the assembled artifact on the final
// chunk, after decompression and checksum verification, and nil before that.
// Out-of-order or corrupt transfers fail and drop the pending state.
func (a *Assembler) Add(chunk *ArtifactChunk) (*Assembled, error) {
	tr, ok := a.pending[chunk.ArtifactID]
	if !ok {
		tr = &transfer{}
		a.pending[chunk.ArtifactID] = tr
	}

	if chunk.Seq != tr.nextSeq {
		delete(a.pending, chunk.ArtifactID)
		return nil, fmt.Errorf("artifact %s: chunk %d out of order, expected %d",
			chunk.ArtifactID, chunk.Seq, tr.nextSeq)
	}
	tr.nextSeq++
	tr.buf.Write(chunk.Data)

	if !chunk.Last {
		return nil, nil
	}
	delete(a.pending, chunk.ArtifactID)

	content := tr.buf.Bytes()
	if chunk.Encoding == types.ArtifactEncodingGzip {
		zr, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", chunk.ArtifactID, err)
		}
		content, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", chunk.ArtifactID, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", chunk.ArtifactID, err)
		}
	}

	if got := Checksum(content); got != chunk.Checksum {
		return nil, fmt.Errorf("artifact %s: checksum mismatch, got %s want %s",
			chunk.ArtifactID, got, chunk.Checksum)
	}

	return &Assembled{
		JobID:           chunk.JobID,
		ArtifactID:      chunk.ArtifactID,
		Content:         content,
		DestinationPath: chunk.DestinationPath,
	}, nil
}

package wire

import (
	"bytes"
	"testing"

	"github.com/hodei/pipelines/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assemble(t *testing.T, chunks []*ArtifactChunk) *Assembled {
	t.Helper()
	a := NewAssembler()
	for i, c := range chunks {
		got, err := a.Add(c)
		require.NoError(t, err)
		if i < len(chunks)-1 {
			require.Nil(t, got)
		} else {
			require.NotNil(t, got)
			return got
		}
	}
	return nil
}

func TestChunkRoundTripRaw(t *testing.T) {
	content := bytes.Repeat([]byte("hodei"), 40000) // ~200KiB, several chunks

	chunks, err := ChunkArtifact("job-1", "art-1", content, types.ArtifactEncodingRaw, "/workspace/tool.bin")
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Data), MaxChunkSize)
	}
	assert.True(t, chunks[len(chunks)-1].Last)

	got := assemble(t, chunks)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "/workspace/tool.bin", got.DestinationPath)
}

func TestChunkRoundTripGzip(t *testing.T) {
	content := bytes.Repeat([]byte("compressible content "), 10000)

	chunks, err := ChunkArtifact("job-1", "art-1", content, types.ArtifactEncodingGzip, "")
	require.NoError(t, err)

	// Checksum covers the decompressed bytes
	assert.Equal(t, Checksum(content), chunks[0].Checksum)

	var wireBytes int
	for _, c := range chunks {
		wireBytes += len(c.Data)
	}
	assert.Less(t, wireBytes, len(content))

	got := assemble(t, chunks)
	assert.Equal(t, content, got.Content)
}

func TestChunkEmptyArtifact(t *testing.T) {
	chunks, err := ChunkArtifact("job-1", "art-1", nil, types.ArtifactEncodingRaw, "")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Last)

	got := assemble(t, chunks)
	assert.Empty(t, got.Content)
}

func TestAssemblerOutOfOrderChunk(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 3*MaxChunkSize)
	chunks, err := ChunkArtifact("job-1", "art-1", content, types.ArtifactEncodingRaw, "")
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	a := NewAssembler()
	_, err = a.Add(chunks[0])
	require.NoError(t, err)
	_, err = a.Add(chunks[2])
	assert.Error(t, err)

	// Failed transfer drops its state; a restart from seq 0 works
	for i, c := range chunks {
		got, err := a.Add(c)
		require.NoError(t, err)
		if i == len(chunks)-1 {
			assert.Equal(t, content, got.Content)
		}
	}
}

func TestAssemblerChecksumMismatch(t *testing.T) {
	chunks, err := ChunkArtifact("job-1", "art-1", []byte("payload"), types.ArtifactEncodingRaw, "")
	require.NoError(t, err)
	chunks[0].Checksum = Checksum([]byte("tampered"))

	_, err = NewAssembler().Add(chunks[0])
	assert.Error(t, err)
}

func TestAssemblerInterleavedTransfers(t *testing.T) {
	c1, err := ChunkArtifact("job-1", "art-1", bytes.Repeat([]byte("a"), 2*MaxChunkSize), types.ArtifactEncodingRaw, "")
	require.NoError(t, err)
	c2, err := ChunkArtifact("job-1", "art-2", []byte("small"), types.ArtifactEncodingRaw, "")
	require.NoError(t, err)

	a := NewAssembler()
	_, err = a.Add(c1[0])
	require.NoError(t, err)

	got, err := a.Add(c2[0])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "art-2", got.ArtifactID)

	got, err = a.Add(c1[1])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bytes.Repeat([]byte("a"), 2*MaxChunkSize), got.Content)
}

func TestChunkUnknownEncoding(t *testing.T) {
	_, err := ChunkArtifact("job-1", "art-1", []byte("x"), types.ArtifactEncoding("zstd"), "")
	assert.Error(t, err)
}

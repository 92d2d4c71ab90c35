package runtime

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

// TestRewriteImportedMemory checks that the imported memory becomes a defined, exported memory with the same limits.
func TestRewriteImportedMemory(t *testing.T) {
	rewritten, mem, err := rewriteImportedMemory(testRuntime())
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "env", mem.module)
	assert.Equal(t, "memory", mem.name)
	assert.EqualValues(t, 1, mem.min)
	assert.Nil(t, mem.max)

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	compiled, err := r.CompileModule(ctx, rewritten)
	require.NoError(t, err)
	for _, def := range compiled.ImportedMemories() {
		t.Fatalf("memory is still imported: %v", def)
	}
	memories := compiled.ExportedMemories()
	require.Contains(t, memories, "memory")

	// A module that already defines its memory is left untouched.
	again, mem, err := rewriteImportedMemory(rewritten)
	require.NoError(t, err)
	assert.Nil(t, mem)
	assert.Equal(t, rewritten, again)
}

func TestRewriteMalformedModule(t *testing.T) {
	module := testRuntime()
	_, _, err := rewriteImportedMemory(module[:len(module)-3])
	assert.Error(t, err)
}

// TestDecompress checks both compressed and plain blobs.
func TestDecompress(t *testing.T) {
	plain := testRuntime()
	out, err := Decompress(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := append(bytes.Clone(zstdPrefix), enc.EncodeAll(plain, nil)...)
	require.NoError(t, enc.Close())

	out, err = Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	_, err = Decompress(append(bytes.Clone(zstdPrefix), 0x01, 0x02))
	assert.Error(t, err)
}

// TestCustomSections checks reading the embedded runtime version.
func TestCustomSections(t *testing.T) {
	version := testVersion()
	module := testRuntime(wasmCustomSection("other", []byte{1}), wasmCustomSection("runtime_version", version.Encode()))

	payload, ok, err := customSection(module, "other")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1}, payload)

	got, ok, err := embeddedVersion(module)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, version, got)

	_, ok, err = embeddedVersion(testRuntime())
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = embeddedVersion(testRuntime(wasmCustomSection("runtime_apis", []byte{1, 2, 3}), wasmCustomSection("runtime_version", version.Encode())))
	assert.Error(t, err)
}

package compression

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage/memory"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
)

func newEngine(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := New(store, 0, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := svc.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("ensure defaults: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc, store
}

func samples() map[string][]byte {
	rng := rand.New(rand.NewSource(7))
	random := make([]byte, 4096)
	rng.Read(random)
	tiny := []byte{0x01, 0x02}
	json := []byte(strings.Repeat(`{"order_id":"O1","amount":"10","price":"100"},`, 200))
	return map[string][]byte{
		"empty":      {},
		"tiny":       tiny,
		"random":     random,
		"repetitive": json,
		"zeros":      make([]byte, 70000),
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	svc, _ := newEngine(t)
	ctx := context.Background()

	for _, pt := range relay.PayloadTypes {
		for name, payload := range samples() {
			res, err := svc.Compress(ctx, payload, pt)
			if err != nil {
				t.Fatalf("%s/%s: compress: %v", pt, name, err)
			}
			out, err := svc.Decompress(ctx, res.Data)
			if err != nil {
				t.Fatalf("%s/%s: decompress: %v", pt, name, err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("%s/%s: round trip mismatch (%d vs %d bytes)", pt, name, len(out), len(payload))
			}
		}
	}
}

func TestEmptyInput(t *testing.T) {
	svc, _ := newEngine(t)
	res, err := svc.Compress(context.Background(), nil, relay.PayloadBinary)
	require.NoError(t, err)
	assert.Empty(t, res.Data)

	out, err := svc.Decompress(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestIncompressibleInputIsStored(t *testing.T) {
	svc, _ := newEngine(t)
	rng := rand.New(rand.NewSource(1))
	payload := make([]byte, 2048)
	rng.Read(payload)

	res, err := svc.Compress(context.Background(), payload, relay.PayloadStructuredData)
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, len(payload)+frameHeaderSize, len(res.Data))

	short, err := svc.Compress(context.Background(), []byte("abc"), relay.PayloadProof)
	require.NoError(t, err)
	assert.True(t, short.Stored, "payloads under the min match length are not encoded")
}

func TestCompressibleInputShrinks(t *testing.T) {
	svc, _ := newEngine(t)
	payload := bytes.Repeat([]byte("settle:USDC:100;"), 4096)

	for _, pt := range relay.PayloadTypes {
		res, err := svc.Compress(context.Background(), payload, pt)
		require.NoError(t, err)
		assert.False(t, res.Stored, pt)
		assert.Less(t, res.RatioBps, uint64(2000), pt)
	}
}

func TestStatsRunningAverage(t *testing.T) {
	svc, _ := newEngine(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0xAB}, 10000)
	var ratios []uint64
	for i := 0; i < 3; i++ {
		res, err := svc.Compress(ctx, payload, relay.PayloadBinary)
		require.NoError(t, err)
		ratios = append(ratios, res.RatioBps)
	}
	_, err := svc.Compress(ctx, []byte{}, relay.PayloadBinary)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, relay.PayloadBinary)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.SampleCount)

	expected := relay.CompressionProfile{}
	for _, r := range append(ratios, 10000) {
		expected.RecordSample(r)
	}
	assert.Equal(t, expected.AverageRatioBps, stats.AverageRatioBps)
}

func TestUpdateProfile(t *testing.T) {
	svc, _ := newEngine(t)
	ctx := context.Background()
	admin := auth.NewPrincipal("root", "admin")

	_, err := svc.UpdateProfile(ctx, admin, relay.PayloadProof, relay.CompressionParams{DictionarySize: 65, CompressionLevel: 5})
	require.ErrorIs(t, err, errors.ErrParameterOutOfRange)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = svc.UpdateProfile(ctx, admin, relay.PayloadProof, relay.CompressionParams{DictionarySize: 8, CompressionLevel: 11})
	require.ErrorIs(t, err, errors.ErrParameterOutOfRange)

	_, err = svc.UpdateProfile(ctx, auth.NewPrincipal("alice"), relay.PayloadProof, relay.CompressionParams{})
	require.ErrorIs(t, err, errors.ErrForbidden)

	stats, err := svc.Stats(ctx, relay.PayloadProof)
	require.NoError(t, err)
	assert.Equal(t, relay.DefaultProfile(relay.PayloadProof).CompressionParams, stats.CompressionParams, "rejected updates must not persist")

	// Huffman-only flate frames written before a retune still decode after it.
	huffman := relay.CompressionParams{DictionarySize: 64, MinMatchLength: 1, CompressionLevel: 0, HuffmanEnabled: true, BlockSize: 8192}
	updated, err := svc.UpdateProfile(ctx, admin, relay.PayloadProof, huffman)
	require.NoError(t, err)
	assert.Equal(t, huffman, updated.CompressionParams)

	payload := bytes.Repeat([]byte("proof-bytes"), 500)
	before, err := svc.Compress(ctx, payload, relay.PayloadProof)
	require.NoError(t, err)

	_, err = svc.UpdateProfile(ctx, admin, relay.PayloadProof, relay.CompressionParams{DictionarySize: 32, MinMatchLength: 4, CompressionLevel: 10, HuffmanEnabled: true})
	require.NoError(t, err)

	out, err := svc.Decompress(ctx, before.Data)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestTransactionWithoutEntropyCoding(t *testing.T) {
	svc, _ := newEngine(t)
	ctx := context.Background()
	admin := auth.NewPrincipal("root", "admin")

	_, err := svc.UpdateProfile(ctx, admin, relay.PayloadTransaction, relay.CompressionParams{DictionarySize: 1, MinMatchLength: 4, CompressionLevel: 1})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("transfer(0xabc,1);"), 300)
	res, err := svc.Compress(ctx, payload, relay.PayloadTransaction)
	require.NoError(t, err)
	out, err := svc.Decompress(ctx, res.Data)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	svc, _ := newEngine(t)
	_, err := svc.Decompress(context.Background(), []byte("plain text"))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = svc.Decompress(context.Background(), []byte{frameMagic, codecZstd, 0, 0xFF, 0xFF})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestDecompressLimit(t *testing.T) {
	wide, _ := newEngine(t)
	res, err := wide.Compress(context.Background(), make([]byte, 8192), relay.PayloadBinary)
	require.NoError(t, err)

	narrow, err := New(memory.New(), 1024, nil)
	require.NoError(t, err)
	_, err = narrow.Decompress(context.Background(), res.Data)
	assert.Error(t, err)
}

func TestEncodeRejectsInputOverLimit(t *testing.T) {
	store := memory.New()
	svc, err := New(store, 1024, nil)
	require.NoError(t, err)
	require.NoError(t, svc.EnsureDefaults(context.Background()))

	_, err = svc.Compress(context.Background(), make([]byte, 1025), relay.PayloadStructuredData)
	require.ErrorIs(t, err, errors.ErrPayloadTooLarge)
	stats, err := svc.Stats(context.Background(), relay.PayloadStructuredData)
	require.NoError(t, err)
	assert.Zero(t, stats.SampleCount, "rejected input must not be sampled")

	// Everything accepted at the limit decodes again.
	res, err := svc.Compress(context.Background(), make([]byte, 1024), relay.PayloadStructuredData)
	require.NoError(t, err)
	out, err := svc.Decompress(context.Background(), res.Data)
	require.NoError(t, err)
	assert.Len(t, out, 1024)
}

func TestEncodeLeavesStatisticsAlone(t *testing.T) {
	svc, _ := newEngine(t)
	res, err := svc.Encode(bytes.Repeat([]byte("abcd"), 512), relay.PayloadProof)
	require.NoError(t, err)
	assert.Less(t, res.RatioBps, uint64(10000))

	stats, err := svc.Stats(context.Background(), relay.PayloadProof)
	require.NoError(t, err)
	assert.Zero(t, stats.SampleCount)
}

func TestUnknownType(t *testing.T) {
	svc, _ := newEngine(t)
	_, err := svc.Compress(context.Background(), []byte("x"), "video")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

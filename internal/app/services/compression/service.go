// Package compression implements the per-payload-type compression engine.
//
// Every non-empty output is a self-describing frame, so Decompress needs no
// knowledge of the profile that produced it. Profiles can be retuned at
// runtime; frames written under old parameters still decode.
package compression

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/metrics"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// DefaultMaxDecodedBytes bounds the output of Decompress.
const DefaultMaxDecodedBytes = 16 << 20

// Result describes one compression call.
type Result struct {
	Data         []byte
	OriginalSize int
	RatioBps     uint64
	Stored       bool
}

// Service compresses and decompresses relay payloads.
type Service struct {
	store   storage.ProfileStore
	log     *logger.Logger
	journal events.Journal

	// maxBytes bounds both Encode input and Decompress output, so every
	// accepted payload can be restored.
	maxBytes uint64

	mu     sync.RWMutex
	codecs map[relay.PayloadType]*codec
	dec    *decoder
}

// New creates an engine with default profiles. Call EnsureDefaults to load
// persisted parameters.
func New(store storage.ProfileStore, maxDecodedBytes uint64, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("compression")
	}
	if maxDecodedBytes == 0 {
		maxDecodedBytes = DefaultMaxDecodedBytes
	}
	dec, err := newDecoder(maxDecodedBytes)
	if err != nil {
		return nil, errors.Internal("create decoder", err)
	}
	s := &Service{
		store:   store,
		log:     log,
		journal:  events.NoOpJournal{},
		maxBytes: maxDecodedBytes,
		codecs:  make(map[relay.PayloadType]*codec, len(relay.PayloadTypes)),
		dec:     dec,
	}
	for _, t := range relay.PayloadTypes {
		c, err := newCodec(t, relay.DefaultProfile(t).CompressionParams)
		if err != nil {
			return nil, errors.Internal("create codec", err)
		}
		s.codecs[t] = c
	}
	return s, nil
}

// WithJournal records profile changes on the event journal.
func (s *Service) WithJournal(j events.Journal) {
	if j != nil {
		s.journal = j
	}
}

// EnsureDefaults seeds a profile for every payload type that has none and
// rebuilds codecs from the persisted parameters.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	for _, t := range relay.PayloadTypes {
		p, err := s.store.GetProfile(ctx, t)
		if stderrors.Is(err, storage.ErrNotFound) {
			p, err = s.store.SaveProfileParams(ctx, t, relay.DefaultProfile(t).CompressionParams)
		}
		if err != nil {
			return errors.Internal("load compression profile", err)
		}
		if err := s.install(t, p.CompressionParams); err != nil {
			return err
		}
	}
	return nil
}

// Name implements system.Service; Start loads profiles.
func (s *Service) Name() string { return "compression" }

func (s *Service) Start(ctx context.Context) error { return s.EnsureDefaults(ctx) }

func (s *Service) Stop(context.Context) error {
	s.dec.close()
	return nil
}

// Compress encodes payload with the profile for t and records the ratio in
// the profile statistics.
func (s *Service) Compress(ctx context.Context, payload []byte, t relay.PayloadType) (Result, error) {
	res, err := s.Encode(payload, t)
	if err != nil {
		return Result{}, err
	}
	if err := s.recordSample(ctx, t, res.RatioBps); err != nil {
		return Result{}, err
	}
	observe(t, res)
	return res, nil
}

// Encode compresses payload without touching the store. Callers that
// persist the result record the sample themselves, in the same transaction.
func (s *Service) Encode(payload []byte, t relay.PayloadType) (Result, error) {
	if !t.Valid() {
		return Result{}, errors.Invalid("unknown payload type").WithDetails("payload_type", string(t))
	}
	if uint64(len(payload)) > s.maxBytes {
		return Result{}, errors.ErrPayloadTooLarge.
			WithDetails("payload_size", len(payload)).
			WithDetails("max_decoded_bytes", s.maxBytes)
	}

	s.mu.RLock()
	c := s.codecs[t]
	s.mu.RUnlock()

	res := Result{OriginalSize: len(payload), RatioBps: 10000}
	switch {
	case len(payload) == 0:
		res.Data = []byte{}
	case uint32(len(payload)) < c.params.MinMatchLength:
		res.Data = frame(c.id, flagStored, payload)
		res.Stored = true
	default:
		body, err := c.encode(payload)
		if err != nil {
			return Result{}, errors.Internal("compress payload", err)
		}
		if len(body) >= len(payload) {
			res.Data = frame(c.id, flagStored, payload)
			res.Stored = true
		} else {
			res.Data = frame(c.id, 0, body)
		}
	}
	if len(payload) > 0 {
		res.RatioBps = uint64(len(res.Data)) * 10000 / uint64(len(payload))
	}
	return res, nil
}

func observe(t relay.PayloadType, res Result) {
	metrics.RecordCompression(string(t), res.OriginalSize, len(res.Data), res.RatioBps)
}

// Decompress restores a payload produced by Compress.
func (s *Service) Decompress(_ context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	if len(data) < frameHeaderSize || data[0] != frameMagic {
		return nil, errors.Invalid("not a compressed relay frame")
	}
	codecID, flags, body := data[1], data[2], data[frameHeaderSize:]
	if flags&flagStored != 0 {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	out, err := s.dec.decode(codecID, body)
	if err != nil {
		return nil, errors.Invalid("corrupt compressed frame").WithDetails("cause", err.Error())
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// UpdateProfile retunes one payload type.
func (s *Service) UpdateProfile(ctx context.Context, caller auth.Principal, t relay.PayloadType, params relay.CompressionParams) (relay.CompressionProfile, error) {
	if err := auth.Require(caller, auth.CapAdmin); err != nil {
		return relay.CompressionProfile{}, err
	}
	if !t.Valid() {
		return relay.CompressionProfile{}, errors.Invalid("unknown payload type").WithDetails("payload_type", string(t))
	}
	if params.DictionarySize > relay.MaxDictionarySize {
		return relay.CompressionProfile{}, errors.OutOfRange("dictionary_size", params.DictionarySize, relay.MaxDictionarySize)
	}
	if params.CompressionLevel > relay.MaxCompressionLevel {
		return relay.CompressionProfile{}, errors.OutOfRange("compression_level", params.CompressionLevel, relay.MaxCompressionLevel)
	}

	// Build the codec first so a rejected configuration leaves the
	// stored profile untouched.
	c, err := newCodec(t, params)
	if err != nil {
		return relay.CompressionProfile{}, errors.Invalid("unusable compression parameters").WithDetails("cause", err.Error())
	}
	p, err := s.store.SaveProfileParams(ctx, t, params)
	if err != nil {
		return relay.CompressionProfile{}, errors.Internal("save compression profile", err)
	}
	s.mu.Lock()
	s.codecs[t] = c
	s.mu.Unlock()

	s.log.WithField("payload_type", t).
		WithField("level", params.CompressionLevel).
		WithField("dictionary_kib", params.DictionarySize).
		Info("compression profile updated")
	events.NewEvent(events.EventProfileUpdated).
		Component("compression").
		Actor(caller.ID).
		Metadata("payload_type", string(t)).
		LogToWithContext(ctx, s.journal)
	return p, nil
}

// Stats returns the profile and running statistics of one payload type.
func (s *Service) Stats(ctx context.Context, t relay.PayloadType) (relay.CompressionProfile, error) {
	if !t.Valid() {
		return relay.CompressionProfile{}, errors.Invalid("unknown payload type").WithDetails("payload_type", string(t))
	}
	p, err := s.store.GetProfile(ctx, t)
	if stderrors.Is(err, storage.ErrNotFound) {
		return relay.DefaultProfile(t), nil
	}
	if err != nil {
		return relay.CompressionProfile{}, errors.Internal("load compression profile", err)
	}
	return p, nil
}

// Profiles lists every stored profile.
func (s *Service) Profiles(ctx context.Context) ([]relay.CompressionProfile, error) {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return nil, errors.Internal("list compression profiles", err)
	}
	return profiles, nil
}

func (s *Service) install(t relay.PayloadType, params relay.CompressionParams) error {
	c, err := newCodec(t, params)
	if err != nil {
		return errors.Internal("create codec", err)
	}
	s.mu.Lock()
	s.codecs[t] = c
	s.mu.Unlock()
	return nil
}

func (s *Service) recordSample(ctx context.Context, t relay.PayloadType, ratioBps uint64) error {
	_, err := s.store.RecordCompressionSample(ctx, t, ratioBps)
	if stderrors.Is(err, storage.ErrNotFound) {
		s.mu.RLock()
		params := s.codecs[t].params
		s.mu.RUnlock()
		if _, err = s.store.SaveProfileParams(ctx, t, params); err == nil {
			_, err = s.store.RecordCompressionSample(ctx, t, ratioBps)
		}
	}
	if err != nil {
		return errors.Internal("record compression sample", err)
	}
	return nil
}

func frame(codecID, flags byte, body []byte) []byte {
	out := make([]byte, 0, frameHeaderSize+len(body))
	out = append(out, frameMagic, codecID, flags)
	return append(out, body...)
}

package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedModel = errors.New("malformed sentencepiece model")

// field numbers of sentencepiece_model.proto
const (
	modelPieces         protowire.Number = 1
	modelTrainerSpec    protowire.Number = 2
	modelNormalizerSpec protowire.Number = 3

	piecePiece protowire.Number = 1
	pieceScore protowire.Number = 2
	pieceType  protowire.Number = 3

	trainerUnkID protowire.Number = 40
	trainerBosID protowire.Number = 41
	trainerEosID protowire.Number = 42
	trainerPadID protowire.Number = 43

	normalizerAddDummyPrefix protowire.Number = 3
)

type spmModel struct {
	vocab          Vocabulary
	addDummyPrefix bool
}

// fields calls fn for every field of a serialized message.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedModel, protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var u uint32
			u, n = protowire.ConsumeFixed32(b)
			x = uint64(u)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedModel, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}

	return nil
}

func parseSentencePieceModel(b []byte) (*spmModel, error) {
	m := spmModel{addDummyPrefix: true}
	unk, bos, eos, pad := int64(0), int64(1), int64(2), int64(-1)

	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case modelPieces:
			piece, score, kind := "", float32(0), TypeNormal
			if err := fields(v, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
				switch num {
				case piecePiece:
					piece = string(v)
				case pieceScore:
					score = math.Float32frombits(uint32(x))
				case pieceType:
					kind = int32(x)
				}
				return nil
			}); err != nil {
				return err
			}

			m.vocab.Values = append(m.vocab.Values, piece)
			m.vocab.Scores = append(m.vocab.Scores, score)
			m.vocab.Types = append(m.vocab.Types, kind)
		case modelTrainerSpec:
			return fields(v, func(num protowire.Number, _ protowire.Type, _ []byte, x uint64) error {
				// int32 fields are plain varints with negatives sign extended
				id := int64(int32(x))
				switch num {
				case trainerUnkID:
					unk = id
				case trainerBosID:
					bos = id
				case trainerEosID:
					eos = id
				case trainerPadID:
					pad = id
				}
				return nil
			})
		case modelNormalizerSpec:
			return fields(v, func(num protowire.Number, _ protowire.Type, _ []byte, x uint64) error {
				if num == normalizerAddDummyPrefix {
					m.addDummyPrefix = protowire.DecodeBool(x)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(m.vocab.Values) == 0 {
		return nil, fmt.Errorf("%w: no pieces", ErrMalformedModel)
	}

	ids := func(id int64) []int32 {
		if id < 0 || int(id) >= len(m.vocab.Values) {
			return nil
		}
		return []int32{int32(id)}
	}

	m.vocab.UNK, m.vocab.BOS, m.vocab.EOS, m.vocab.PAD = ids(unk), ids(bos), ids(eos), ids(pad)
	return &m, nil
}

// LoadSentencePiece reads a serialized sentencepiece model file.
func LoadSentencePiece(path string) (*SentencePiece, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := parseSentencePieceModel(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.vocab.AddBOS = len(m.vocab.BOS) > 0
	return NewSentencePiece(&m.vocab, m.addDummyPrefix), nil
}

// MarshalSentencePiece serializes a vocabulary as a sentencepiece model
// that LoadSentencePiece reads back. Missing scores are zero and missing
// types are normal.
func MarshalSentencePiece(v *Vocabulary, addDummyPrefix bool) []byte {
	var b []byte
	for i, value := range v.Values {
		score, kind := float32(0), TypeNormal
		if i < len(v.Scores) {
			score = v.Scores[i]
		}
		if i < len(v.Types) {
			kind = v.Types[i]
		}

		var piece []byte
		piece = protowire.AppendTag(piece, piecePiece, protowire.BytesType)
		piece = protowire.AppendString(piece, value)
		piece = protowire.AppendTag(piece, pieceScore, protowire.Fixed32Type)
		piece = protowire.AppendFixed32(piece, math.Float32bits(score))
		piece = protowire.AppendTag(piece, pieceType, protowire.VarintType)
		piece = protowire.AppendVarint(piece, uint64(kind))

		b = protowire.AppendTag(b, modelPieces, protowire.BytesType)
		b = protowire.AppendBytes(b, piece)
	}

	first := func(ids []int32) int64 {
		if len(ids) == 0 {
			return -1
		}
		return int64(ids[0])
	}

	var trainer []byte
	for _, f := range []struct {
		num protowire.Number
		id  int64
	}{
		{trainerUnkID, first(v.UNK)},
		{trainerBosID, first(v.BOS)},
		{trainerEosID, first(v.EOS)},
		{trainerPadID, first(v.PAD)},
	} {
		trainer = protowire.AppendTag(trainer, f.num, protowire.VarintType)
		trainer = protowire.AppendVarint(trainer, uint64(f.id))
	}
	b = protowire.AppendTag(b, modelTrainerSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, trainer)

	var normalizer []byte
	normalizer = protowire.AppendTag(normalizer, normalizerAddDummyPrefix, protowire.VarintType)
	normalizer = protowire.AppendVarint(normalizer, protowire.EncodeBool(addDummyPrefix))
	b = protowire.AppendTag(b, modelNormalizerSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, normalizer)

	return b
}

package whisper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamcaption/pkg/audio"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

const (
	// defaultSilenceLevel is the normalised RMS below which a chunk counts as
	// silence. It corresponds to roughly 300 in 16-bit sample units.
	defaultSilenceLevel = 300.0 / 32768.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// flushTimeout bounds the last inference after EndStream. Close cuts it
	// short.
	flushTimeout = 30 * time.Second
)

// inferFunc transcribes one utterance of PCM.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// segmentConfig is shared by the HTTP and native sessions.
type segmentConfig struct {
	format             audio.Format
	silenceThresholdMs int
	maxBufferMs        int
}

// segmenter turns a continuous PCM stream into utterances using an energy
// based silence detector and transcribes each one in batch. whisper.cpp is
// not a streaming engine, so each committed utterance yields a partial and a
// final with the same text. It implements stt.SessionHandle.
type segmenter struct {
	cfg   segmentConfig
	infer inferFunc
	log   *slog.Logger

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	ctx       context.Context
	cancel    context.CancelFunc
	ended     chan struct{}
	endOnce   sync.Once
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSegmenter(cfg segmentConfig, infer inferFunc) *segmenter {
	ctx, cancel := context.WithCancel(context.Background())
	s := &segmenter{
		cfg:      cfg,
		infer:    infer,
		log:      slog.Default(),
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		ctx:      ctx,
		cancel:   cancel,
		ended:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop()
	return s
}

// SendAudio queues a chunk of 16-bit PCM for silence analysis and buffering.
func (s *segmenter) SendAudio(chunk []byte) error {
	select {
	case <-s.ended:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.ended:
		return stt.ErrSessionClosed
	}
}

// Partials returns interim transcripts. Each carries the same text as the
// final that follows it.
func (s *segmenter) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns committed transcripts.
func (s *segmenter) Finals() <-chan stt.Transcript { return s.finals }

// EndStream stops accepting audio. Queued audio is processed, the pending
// utterance is transcribed, and then Partials and Finals are closed.
func (s *segmenter) EndStream() error {
	s.endOnce.Do(func() { close(s.ended) })
	return nil
}

// Close ends the stream, cancels any inference in flight and waits for the
// processing loop to exit.
func (s *segmenter) Close() error {
	_ = s.EndStream()
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// utterance is the buffered audio of the current speech segment.
type utterance struct {
	pcm       []byte
	start     int // stream byte offset of pcm[0]
	hadSpeech bool
	silenceMs int
}

// processLoop owns all buffering state.
func (s *segmenter) processLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		cur      utterance
		pos      int // stream bytes consumed
		maxBytes = s.cfg.maxBufferMs * s.cfg.format.BytesPerSecond() / 1000
	)

	flush := func(ctx context.Context) {
		u := cur
		cur = utterance{start: pos}
		if len(u.pcm) == 0 || !u.hadSpeech {
			return
		}
		text, err := s.infer(ctx, u.pcm)
		if err != nil {
			s.log.Error("whisper: inference failed", "err", err, "bytes", len(u.pcm))
			return
		}
		if text == "" {
			return
		}
		t := stt.Transcript{
			Text:      text,
			Timestamp: s.cfg.format.Duration(u.start),
			Duration:  s.cfg.format.Duration(len(u.pcm)),
		}
		s.emit(s.partials, t)
		t.IsFinal = true
		s.emit(s.finals, t)
	}
	finalFlush := func() {
		ctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
		defer cancel()
		flush(ctx)
	}

	handle := func(chunk []byte) {
		if len(cur.pcm) == 0 {
			cur.start = pos
		}
		pos += len(chunk)
		ms := int(s.cfg.format.Duration(len(chunk)) / time.Millisecond)

		if audio.RMS(chunk) < defaultSilenceLevel {
			// Leading silence before any speech is discarded.
			if !cur.hadSpeech {
				cur.start = pos
				return
			}
			cur.silenceMs += ms
			cur.pcm = append(cur.pcm, chunk...)
			if cur.silenceMs >= s.cfg.silenceThresholdMs {
				flush(s.ctx)
			}
			return
		}
		cur.hadSpeech = true
		cur.silenceMs = 0
		cur.pcm = append(cur.pcm, chunk...)
		if maxBytes > 0 && len(cur.pcm) >= maxBytes {
			flush(s.ctx)
		}
	}

	for {
		select {
		case chunk := <-s.audioCh:
			handle(chunk)
		case <-s.ended:
			for {
				select {
				case chunk := <-s.audioCh:
					handle(chunk)
				default:
					finalFlush()
					return
				}
			}
		}
	}
}

// emit delivers t unless the session is closed underneath it.
func (s *segmenter) emit(ch chan<- stt.Transcript, t stt.Transcript) {
	select {
	case ch <- t:
	case <-s.done:
		select {
		case ch <- t:
		default:
		}
	}
}

var _ stt.SessionHandle = (*segmenter)(nil)

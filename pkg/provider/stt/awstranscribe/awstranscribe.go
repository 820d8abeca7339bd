// Package awstranscribe provides an stt.Provider backed by Amazon Transcribe
// streaming. Audio is sent as AudioEvents over the HTTP/2 event stream and
// TranscriptEvents are mapped to partial and final transcripts.
package awstranscribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

const (
	defaultRegion     = "us-west-2"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// eventStream is the subset of the Transcribe event stream a session uses.
type eventStream interface {
	Send(ctx context.Context, event types.AudioStream) error
	Events() <-chan types.TranscriptResultStream
	CloseSend() error
	Close() error
	Err() error
}

type openFunc func(ctx context.Context, in *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithRegion sets the AWS region. Ignored when WithConfig is used.
func WithRegion(region string) Option {
	return func(p *Provider) { p.region = region }
}

// WithLanguage sets the default language code (e.g. "en-US", "zh-CN").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithVocabulary names a custom vocabulary registered with Transcribe.
func WithVocabulary(name string) Option {
	return func(p *Provider) { p.vocabulary = name }
}

// WithConfig supplies a preloaded AWS configuration instead of the default
// credential chain.
func WithConfig(cfg aws.Config) Option {
	return func(p *Provider) { p.awsCfg = &cfg }
}

// Provider implements stt.Provider for Amazon Transcribe streaming.
type Provider struct {
	region     string
	language   string
	vocabulary string
	awsCfg     *aws.Config
	open       openFunc
}

// New creates a Provider. AWS credentials are resolved from the default chain
// (environment, shared config, instance role) unless WithConfig is given.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{
		region:   defaultRegion,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	if p.awsCfg == nil {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
		if err != nil {
			return nil, fmt.Errorf("awstranscribe: load aws config: %w", err)
		}
		p.awsCfg = &cfg
	}
	client := transcribestreaming.NewFromConfig(*p.awsCfg)
	p.open = func(ctx context.Context, in *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error) {
		out, err := client.StartStreamTranscription(ctx, in)
		if err != nil {
			return nil, err
		}
		return sdkStream{out.GetStream()}, nil
	}
	return p, nil
}

// StartStream opens a Transcribe streaming session. The session outlives ctx;
// it ends with EndStream and Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("awstranscribe: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("awstranscribe: %d channels not supported, want mono", cfg.Channels)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	es, err := p.open(sessCtx, p.input(cfg))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("awstranscribe: start stream: %w", err)
	}

	s := &session{
		stream:   es,
		ctx:      sessCtx,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (p *Provider) input(cfg stt.StreamConfig) *transcribestreaming.StartStreamTranscriptionInput {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	in := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(lang),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(sr)),
	}
	if p.vocabulary != "" {
		in.VocabularyName = aws.String(p.vocabulary)
	}
	return in
}

// ---- session ----

type session struct {
	stream eventStream
	ctx    context.Context
	cancel context.CancelFunc

	partials chan stt.Transcript
	finals   chan stt.Transcript

	// sendMu serialises Send. EndStream and Close never take it, so a Send
	// blocked on the network cannot hold up the end of the stream.
	sendMu sync.Mutex

	mu        sync.Mutex
	ended     bool
	endErr    error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// SendAudio sends one AudioEvent. It blocks until the event is written to the
// stream.
func (s *session) SendAudio(chunk []byte) error {
	if s.isEnded() {
		return stt.ErrSessionClosed
	}
	if len(chunk) == 0 {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.isEnded() {
		return stt.ErrSessionClosed
	}
	ev := &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: chunk}}
	if err := s.stream.Send(s.ctx, ev); err != nil {
		return fmt.Errorf("awstranscribe: send audio: %w", err)
	}
	return nil
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// EndStream closes the audio side of the event stream. Transcribe then emits
// its remaining results and ends the response stream.
func (s *session) EndStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s.endErr
	}
	s.ended = true
	if err := s.stream.CloseSend(); err != nil {
		s.endErr = fmt.Errorf("awstranscribe: end stream: %w", err)
	}
	return s.endErr
}

func (s *session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Close tears down the event stream and waits for the read loop.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Closing the stream unblocks a SendAudio holding sendMu.
		err = s.stream.Close()
		s.cancel()
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		s.wg.Wait()
	})
	if err != nil {
		return fmt.Errorf("awstranscribe: close: %w", err)
	}
	return nil
}

func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for ev := range s.stream.Events() {
		te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		for _, t := range parseTranscriptEvent(te.Value) {
			out := s.partials
			if t.IsFinal {
				out = s.finals
			}
			select {
			case out <- t:
			case <-s.done:
				return
			}
		}
	}
}

// parseTranscriptEvent maps every non-empty result of a TranscriptEvent to a
// Transcript using the first alternative.
func parseTranscriptEvent(ev types.TranscriptEvent) []stt.Transcript {
	if ev.Transcript == nil {
		return nil
	}
	var out []stt.Transcript
	for _, r := range ev.Transcript.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		text := strings.TrimSpace(aws.ToString(alt.Transcript))
		if text == "" {
			continue
		}

		t := stt.Transcript{
			Text:      text,
			IsFinal:   !r.IsPartial,
			ResultID:  aws.ToString(r.ResultId),
			Timestamp: seconds(r.StartTime),
			Duration:  seconds(r.EndTime - r.StartTime),
		}

		var confSum float64
		var confN int
		for _, it := range alt.Items {
			if it.Type == types.ItemTypePunctuation {
				continue
			}
			w := stt.WordDetail{
				Word:  aws.ToString(it.Content),
				Start: seconds(it.StartTime),
				End:   seconds(it.EndTime),
			}
			if it.Confidence != nil {
				w.Confidence = *it.Confidence
				confSum += *it.Confidence
				confN++
			}
			t.Words = append(t.Words, w)
		}
		if confN > 0 {
			t.Confidence = confSum / float64(confN)
		}
		out = append(out, t)
	}
	return out
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// sdkStream adapts the generated event stream to eventStream.
type sdkStream struct {
	*transcribestreaming.StartStreamTranscriptionEventStream
}

func (s sdkStream) CloseSend() error {
	if s.Writer == nil {
		return errors.New("no audio writer")
	}
	return s.Writer.Close()
}

var _ stt.Provider = (*Provider)(nil)

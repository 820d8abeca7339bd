package awstranscribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// fakeStream records sent audio and echoes a partial per chunk. CloseSend
// emits one final covering everything received and ends the event channel.
type fakeStream struct {
	mu        sync.Mutex
	sent      [][]byte
	events    chan types.TranscriptResultStream
	closeOnce sync.Once
	sendErr   error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan types.TranscriptResultStream, 16)}
}

func (f *fakeStream) Send(_ context.Context, ev types.AudioStream) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	a := ev.(*types.AudioStreamMemberAudioEvent)
	f.mu.Lock()
	f.sent = append(f.sent, a.Value.AudioChunk)
	f.mu.Unlock()
	f.events <- transcriptEvent("hel", true, 0, 0.2)
	return nil
}

func (f *fakeStream) Events() <-chan types.TranscriptResultStream { return f.events }

func (f *fakeStream) CloseSend() error {
	f.events <- transcriptEvent("hello", false, 0, 0.5)
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeStream) Err() error { return nil }

func transcriptEvent(text string, partial bool, start, end float64) *types.TranscriptResultStreamMemberTranscriptEvent {
	return &types.TranscriptResultStreamMemberTranscriptEvent{Value: types.TranscriptEvent{
		Transcript: &types.Transcript{Results: []types.Result{{
			IsPartial:    partial,
			ResultId:     aws.String("r1"),
			StartTime:    start,
			EndTime:      end,
			Alternatives: []types.Alternative{{Transcript: aws.String(text)}},
		}}},
	}}
}

func testProvider(fs *fakeStream, got **transcribestreaming.StartStreamTranscriptionInput) *Provider {
	return &Provider{
		region:   defaultRegion,
		language: defaultLanguage,
		open: func(_ context.Context, in *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error) {
			if got != nil {
				*got = in
			}
			return fs, nil
		},
	}
}

func TestStartStream_Input(t *testing.T) {
	var in *transcribestreaming.StartStreamTranscriptionInput
	p := testProvider(newFakeStream(), &in)
	p.vocabulary = "broadcast-terms"

	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "zh-CN"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if in.LanguageCode != types.LanguageCode("zh-CN") {
		t.Errorf("LanguageCode = %q", in.LanguageCode)
	}
	if in.MediaEncoding != types.MediaEncodingPcm {
		t.Errorf("MediaEncoding = %q", in.MediaEncoding)
	}
	if aws.ToInt32(in.MediaSampleRateHertz) != 16000 {
		t.Errorf("MediaSampleRateHertz = %d", aws.ToInt32(in.MediaSampleRateHertz))
	}
	if aws.ToString(in.VocabularyName) != "broadcast-terms" {
		t.Errorf("VocabularyName = %q", aws.ToString(in.VocabularyName))
	}
}

func TestStartStream_RejectsStereo(t *testing.T) {
	p := testProvider(newFakeStream(), nil)
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{Channels: 2}); err == nil {
		t.Fatal("expected error for stereo")
	}
}

func TestStartStream_OpenError(t *testing.T) {
	p := testProvider(nil, nil)
	boom := errors.New("boom")
	p.open = func(context.Context, *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error) {
		return nil, boom
	}
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestSession_SendEndStreamDrains(t *testing.T) {
	fs := newFakeStream()
	p := testProvider(fs, nil)
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	for range 2 {
		if err := sess.SendAudio(make([]byte, 320)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if err := sess.EndStream(); err != nil {
		t.Fatalf("EndStream: %v", err)
	}
	if err := sess.EndStream(); err != nil {
		t.Fatalf("second EndStream: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after EndStream = %v, want ErrSessionClosed", err)
	}

	done := make(chan []stt.Transcript)
	go func() {
		var finals []stt.Transcript
		for tr := range sess.Finals() {
			finals = append(finals, tr)
		}
		done <- finals
	}()
	var partials int
	for range sess.Partials() {
		partials++
	}

	select {
	case finals := <-done:
		if len(finals) != 1 || finals[0].Text != "hello" {
			t.Fatalf("finals = %+v", finals)
		}
		if finals[0].Duration != 500*time.Millisecond {
			t.Errorf("Duration = %v", finals[0].Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Finals never closed")
	}
	if partials != 2 {
		t.Errorf("partials = %d, want 2", partials)
	}
	if len(fs.sent) != 2 {
		t.Errorf("sent %d chunks, want 2", len(fs.sent))
	}
}

func TestSession_SendError(t *testing.T) {
	fs := newFakeStream()
	fs.sendErr = errors.New("stream reset")
	sess, err := testProvider(fs, nil).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	if err := sess.SendAudio([]byte{1, 2}); !errors.Is(err, fs.sendErr) {
		t.Errorf("err = %v, want wrapped stream reset", err)
	}
}

// stuckStream never completes a Send until the stream is closed.
type stuckStream struct {
	sending   chan struct{}
	closed    chan struct{}
	events    chan types.TranscriptResultStream
	closeOnce sync.Once
}

func newStuckStream() *stuckStream {
	return &stuckStream{
		sending: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		events:  make(chan types.TranscriptResultStream),
	}
}

func (f *stuckStream) Send(context.Context, types.AudioStream) error {
	f.sending <- struct{}{}
	<-f.closed
	return errors.New("stream closed")
}

func (f *stuckStream) Events() <-chan types.TranscriptResultStream { return f.events }

func (f *stuckStream) CloseSend() error { return nil }

func (f *stuckStream) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.events)
	})
	return nil
}

func (f *stuckStream) Err() error { return nil }

func TestSession_EndStreamDuringStuckSend(t *testing.T) {
	fs := newStuckStream()
	p := &Provider{
		region:   defaultRegion,
		language: defaultLanguage,
		open: func(context.Context, *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error) {
			return fs, nil
		},
	}
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- sess.SendAudio(make([]byte, 320)) }()
	<-fs.sending

	ended := make(chan error, 1)
	go func() { ended <- sess.EndStream() }()
	select {
	case err := <-ended:
		if err != nil {
			t.Fatalf("EndStream: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("EndStream blocked behind an in-flight send")
	}

	closed := make(chan error, 1)
	go func() { closed <- sess.Close() }()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind an in-flight send")
	}
	select {
	case err := <-sendErr:
		if err == nil {
			t.Error("stuck send returned nil after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("SendAudio still blocked after Close")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	sess, err := testProvider(newFakeStream(), nil).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := sess.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
	if _, ok := <-sess.Finals(); ok {
		t.Error("Finals open after Close")
	}
}

func TestParseTranscriptEvent(t *testing.T) {
	ev := types.TranscriptEvent{Transcript: &types.Transcript{Results: []types.Result{
		{
			IsPartial: false,
			ResultId:  aws.String("abc"),
			StartTime: 1.5,
			EndTime:   2.25,
			Alternatives: []types.Alternative{{
				Transcript: aws.String(" Hello world. "),
				Items: []types.Item{
					{Content: aws.String("Hello"), StartTime: 1.5, EndTime: 1.8, Confidence: aws.Float64(0.9), Type: types.ItemTypePronunciation},
					{Content: aws.String("world"), StartTime: 1.9, EndTime: 2.2, Confidence: aws.Float64(0.7), Type: types.ItemTypePronunciation},
					{Content: aws.String("."), StartTime: 2.2, EndTime: 2.2, Type: types.ItemTypePunctuation},
				},
			}},
		},
		{Alternatives: []types.Alternative{{Transcript: aws.String("  ")}}},
		{},
	}}}

	got := parseTranscriptEvent(ev)
	if len(got) != 1 {
		t.Fatalf("got %d transcripts, want 1", len(got))
	}
	tr := got[0]
	if tr.Text != "Hello world." || !tr.IsFinal || tr.ResultID != "abc" {
		t.Errorf("transcript = %+v", tr)
	}
	if tr.Timestamp != 1500*time.Millisecond || tr.Duration != 750*time.Millisecond {
		t.Errorf("timing = %v + %v", tr.Timestamp, tr.Duration)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("words = %d, want 2", len(tr.Words))
	}
	if d := tr.Confidence - 0.8; d > 1e-9 || d < -1e-9 {
		t.Errorf("Confidence = %v, want 0.8", tr.Confidence)
	}
}

func TestParseTranscriptEvent_NilTranscript(t *testing.T) {
	if got := parseTranscriptEvent(types.TranscriptEvent{}); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
